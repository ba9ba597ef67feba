// Package external is the boundary between the billing domain and third-party
// vendor APIs (Stripe, SES, Postmark). Outbound HTTP calls go through
// BaseClient, which applies circuit breaking, retries with backoff, request id
// propagation and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"qrcloud/internal/types"
)

type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, MinWait: 500 * time.Millisecond, MaxWait: 10 * time.Second}
}

// RetryDecider lets a vendor override the default retry rule (429 and 5xx)
// for a response. decided=false falls back to the default.
type RetryDecider func(resp *http.Response) (retry, decided bool)

// BaseClient is the shared outbound HTTP path for vendor clients.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    RetryPolicy
	userAgent string
	decide    RetryDecider
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

type BaseClientOption func(*BaseClient)

// WithSleepFunc replaces the wait between attempts; tests pass a no-op.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) BaseClientOption {
	return func(c *BaseClient) { c.sleep = fn }
}

func WithLogger(logger *slog.Logger) BaseClientOption {
	return func(c *BaseClient) { c.logger = logger }
}

func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) { c.breaker = cb }
}

func WithRetryDecider(fn RetryDecider) BaseClientOption {
	return func(c *BaseClient) { c.decide = fn }
}

// NewBaseClient builds a client whose breaker opens after six consecutive
// failed attempts and probes again 30s later.
func NewBaseClient(httpClient *http.Client, breakerName string, policy RetryPolicy, userAgent string, opts ...BaseClientOption) *BaseClient {
	c := &BaseClient{
		client:    httpClient,
		policy:    policy,
		userAgent: userAgent,
		sleep:     sleepContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures > 5 },
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryableStatus is returned through the breaker so failed attempts count
// against it while the response stays available for backoff hints.
type retryableStatus struct{ code int }

func (e retryableStatus) Error() string { return fmt.Sprintf("upstream returned %d", e.code) }

func (c *BaseClient) shouldRetry(resp *http.Response) bool {
	if c.decide != nil {
		if retry, ok := c.decide(resp); ok {
			return retry
		}
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

func breakerRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Do sends req, replaying its body on retries. A response that is not
// retryable is returned as-is for the caller to close. Exhausted retries, an
// open breaker, cancellation and transport failures return *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if id := types.GetRequestID(req.Context()); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "buffering request body", err)
		}
		body = b
	}

	var (
		last    *http.Response
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, err := c.client.Do(req)
			if err != nil {
				return nil, err
			}
			if c.shouldRetry(r) {
				return r, retryableStatus{r.StatusCode}
			}
			return r, nil
		})
		if err == nil {
			return resp, nil
		}

		if last != nil {
			_ = last.Body.Close()
		}
		last, lastErr = resp, err

		if breakerRejected(err) || attempt >= c.policy.MaxRetries {
			break
		}
		if err := c.sleep(req.Context(), c.computeBackoff(attempt, resp)); err != nil {
			lastErr = err
			break
		}
	}

	if last != nil {
		_ = last.Body.Close()
	}
	return nil, upstreamError(last, lastErr)
}

// computeBackoff prefers the server's Retry-After (delta seconds or an HTTP
// date) and otherwise draws a jittered wait from [MinWait, MinWait*2^attempt],
// capped at MaxWait.
func (c *BaseClient) computeBackoff(attempt int, resp *http.Response) time.Duration {
	p := c.policy
	if resp != nil {
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return max(min(d, p.MaxWait), p.MinWait)
		}
	}

	ceiling := p.MaxWait
	if attempt < 30 {
		ceiling = min(p.MinWait<<attempt, p.MaxWait)
	}
	if ceiling <= p.MinWait {
		return p.MinWait
	}
	return p.MinWait + rand.N(ceiling-p.MinWait)
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return time.Until(at), true
	}
	return 0, false
}

func upstreamError(resp *http.Response, err error) *types.AppError {
	switch {
	case breakerRejected(err):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "circuit breaker is open; upstream service unavailable", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request cancelled", err)
	case resp != nil && resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
	case resp != nil:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}
