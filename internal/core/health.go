package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout bounds all probes together. Probes still running at the
// deadline are reported as timed out and the check returns 503.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is a check against one critical dependency (database, cache).
type HealthProbe interface {
	Name() string
	// Check must respect the context deadline.
	Check(ctx context.Context) error
}

type funcProbe struct {
	name  string
	check func(ctx context.Context) error
}

func (p funcProbe) Name() string                    { return p.name }
func (p funcProbe) Check(ctx context.Context) error { return p.check(ctx) }

// NewProbe adapts a ping function (pgxpool.Pool.Ping, redis Ping) into a
// HealthProbe.
func NewProbe(name string, check func(ctx context.Context) error) HealthProbe {
	return funcProbe{name: name, check: check}
}

type componentStatus struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
	Version    string                     `json:"version,omitempty"`
}

type probeResult struct {
	name string
	err  error
	took time.Duration
}

// HandleHealth (GET /health) runs every probe concurrently under one shared
// deadline: 200 when all pass, 503 when any fails or is still running at
// the deadline.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	results := make(chan probeResult, len(s.HealthProbes))
	var g errgroup.Group
	for _, probe := range s.HealthProbes {
		g.Go(func() error {
			started := time.Now()
			err := runProbe(ctx, probe)
			results <- probeResult{name: probe.Name(), err: err, took: time.Since(started)}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
collect:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			c := componentStatus{Status: "healthy", LatencyMS: res.took.Milliseconds()}
			if res.err != nil {
				c.Status, c.Message = "unhealthy", res.err.Error()
			}
			resp.Components[res.name] = c
		case <-ctx.Done():
			break collect
		}
	}

	for _, probe := range s.HealthProbes {
		if _, reported := resp.Components[probe.Name()]; !reported {
			resp.Components[probe.Name()] = componentStatus{
				Status:    "unhealthy",
				LatencyMS: healthCheckTimeout.Milliseconds(),
				Message:   "health check timed out",
			}
		}
	}

	status := http.StatusOK
	for _, c := range resp.Components {
		if c.Status != "healthy" {
			resp.Status, status = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}
	JSON(w, r, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("probe panicked: %v", v)
		}
	}()
	return p.Check(ctx)
}
