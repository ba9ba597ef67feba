package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"qrcloud/internal/types"
)

const (
	stripeAPIBase = "https://api.stripe.com"

	// stripeListLimit is the maximum page size Stripe accepts on list calls.
	stripeListLimit = 100
)

// activeSubscriptionStatuses are the statuses ListActiveSubscriptions walks.
var activeSubscriptionStatuses = []types.SubscriptionStatus{
	types.SubStatusActive,
	types.SubStatusTrialing,
	types.SubStatusPastDue,
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // defaults to stripeAPIBase
	Logger        *slog.Logger
}

// StripeClient implements BillingProvider with direct calls to the Stripe
// REST API through BaseClient, so every request shares the breaker and retry
// behavior. Webhook verification uses stripe-go.
type StripeClient struct {
	base          *BaseClient
	secretKey     string
	webhookSecret string
	baseURL       string
	logger        *slog.Logger
}

// NewStripeClient creates a StripeClient with its own BaseClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"QRCloud-Billing/1.0",
		WithLogger(logger),
		WithRetryDecider(stripeShouldRetry),
	)

	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient around an existing
// BaseClient. Tests use it to control retries.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:          base,
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		logger:        logger,
	}
}

// GetSubscription retrieves a single subscription by id.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	if subscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription id is required", nil)
	}

	var sub StripeSubscriptionObject
	if err := s.call(ctx, "GetSubscription", http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return sub.ToProvider(), nil
}

// ListActiveSubscriptions pages through /v1/subscriptions once per active
// status. Stripe's status filter takes a single value.
func (s *StripeClient) ListActiveSubscriptions(ctx context.Context) ([]*types.ProviderSubscription, error) {
	var out []*types.ProviderSubscription

	for _, status := range activeSubscriptionStatuses {
		params := url.Values{
			"status": {string(status)},
			"limit":  {strconv.Itoa(stripeListLimit)},
		}
		for {
			var page stripeSubscriptionList
			if err := s.call(ctx, "ListActiveSubscriptions", http.MethodGet, "/v1/subscriptions", params, &page); err != nil {
				return nil, err
			}
			for i := range page.Data {
				out = append(out, page.Data[i].ToProvider())
			}
			if !page.HasMore || len(page.Data) == 0 {
				break
			}
			params.Set("starting_after", page.Data[len(page.Data)-1].ID)
		}
	}

	s.logger.DebugContext(ctx, "listed active stripe subscriptions", "count", len(out))
	return out, nil
}

// ConstructWebhookEvent verifies the Stripe-Signature header and returns the
// event envelope. Events signed for another API version are accepted; the
// payload decoders only read fields that are stable across versions.
func (s *StripeClient) ConstructWebhookEvent(payload []byte, signature string) (*types.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "stripe webhook signature verification failed", err)
	}

	out := &types.WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}

// CreateCheckoutSession creates a subscription-mode Checkout Session. The
// user id is recorded on the session and on the subscription it creates so
// both webhooks and reconciliation can resolve the owner.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (string, string, error) {
	params := url.Values{
		"mode":                {"subscription"},
		"client_reference_id": {p.UserID},
		"success_url":         {p.SuccessURL},
		"cancel_url":          {p.CancelURL},
		"metadata[" + types.MetadataUserIDKey + "]":                    {p.UserID},
		"subscription_data[metadata][" + types.MetadataUserIDKey + "]": {p.UserID},
		"line_items[0][price]":                                         {p.PriceID},
		"line_items[0][quantity]":                                      {"1"},
	}
	if p.CustomerID != "" {
		params.Set("customer", p.CustomerID)
	}

	var session stripeSession
	if err := s.call(ctx, "CreateCheckoutSession", http.MethodPost, "/v1/checkout/sessions", params, &session); err != nil {
		return "", "", err
	}
	return session.URL, session.ID, nil
}

// CreatePortalSession creates a Billing Portal session for the customer.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID string, returnURL string) (string, error) {
	params := url.Values{"customer": {customerID}, "return_url": {returnURL}}

	var session stripeSession
	if err := s.call(ctx, "CreatePortalSession", http.MethodPost, "/v1/billing_portal/sessions", params, &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// FindOrCreateCustomer searches for a customer tagged with the user id before
// creating one, so repeated checkouts never produce duplicate customers.
func (s *StripeClient) FindOrCreateCustomer(ctx context.Context, userID string, email string) (string, error) {
	query := url.Values{"query": {fmt.Sprintf("metadata['%s']:'%s'", types.MetadataUserIDKey, userID)}}

	var found stripeCustomerSearch
	if err := s.call(ctx, "FindOrCreateCustomer.search", http.MethodGet, "/v1/customers/search", query, &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 {
		return found.Data[0].ID, nil
	}

	params := url.Values{
		"email": {email},
		"metadata[" + types.MetadataUserIDKey + "]": {userID},
	}
	var customer stripeCustomer
	if err := s.call(ctx, "FindOrCreateCustomer.create", http.MethodPost, "/v1/customers", params, &customer); err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "created stripe customer", "user_id", userID, "customer_id", customer.ID)
	return customer.ID, nil
}

// call performs one Stripe request and decodes a 200 body into out. GET
// params go in the query string, POST params in a form body. Each POST
// carries a fresh Idempotency-Key that BaseClient retries reuse, so a
// retried create never produces a second object.
func (s *StripeClient) call(ctx context.Context, op, method, path string, params url.Values, out any) error {
	target := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": building Stripe request", err)
	}
	// The API version is pinned to the one stripe-go was generated against
	// so response shapes match the decoders.
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := s.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": Stripe request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stripeResponseError(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": decoding Stripe response", err)
	}
	return nil
}

// stripeShouldRetry follows Stripe's Stripe-Should-Retry hint when present.
func stripeShouldRetry(resp *http.Response) (retry, decided bool) {
	switch resp.Header.Get("Stripe-Should-Retry") {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

func stripeResponseError(resp *http.Response, op string) error {
	var parsed stripeErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with an unreadable body", op, resp.StatusCode), err)
	}
	return mapStripeError(op, resp.StatusCode, &parsed.Error)
}

func mapStripeError(op string, status int, e *stripeErrorBody) error {
	if e.Code == "card_declined" || e.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", op, e.Message), nil,
			map[string]any{"decline_code": e.DeclineCode, "stripe_code": e.Code})
	}

	switch {
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, op+": Stripe rate limit exceeded", nil)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("%s: Stripe server error: %s", op, e.Message), nil)
	case status == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundSubscription, fmt.Sprintf("%s: Stripe resource not found: %s", op, e.Message), nil)
	case status == http.StatusBadRequest && e.Param != "":
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody,
			fmt.Sprintf("%s: Stripe rejected parameter %s: %s", op, e.Param, e.Message), nil,
			map[string]any{"param": e.Param})
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, fmt.Sprintf("%s: Stripe error (%d): %s", op, status, e.Message), nil)
}

var _ BillingProvider = (*StripeClient)(nil)
