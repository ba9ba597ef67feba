package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type mockHealthProbe struct {
	name     string
	checkErr error
	delay    time.Duration
	panics   bool
	called   atomic.Bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(ctx context.Context) error {
	m.called.Store(true)
	if m.panics {
		panic("boom")
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			// Simulate a probe that ignores cancellation for a moment.
			time.Sleep(50 * time.Millisecond)
			return ctx.Err()
		}
	}
	return m.checkErr
}

func runHealth(t *testing.T, probes ...HealthProbe) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	srv := newTestServer(t)
	srv.HealthProbes = probes

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	rec, resp := runHealth(t)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy, got %q", resp.Status)
	}
	if len(resp.Components) != 0 {
		t.Errorf("expected no components, got %v", resp.Components)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	db := &mockHealthProbe{name: "database"}
	cache := &mockHealthProbe{name: "redis"}

	rec, resp := runHealth(t, db, cache)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	for _, name := range []string{"database", "redis"} {
		if resp.Components[name].Status != "healthy" {
			t.Errorf("component %q: got %+v", name, resp.Components[name])
		}
	}
	if !db.called.Load() || !cache.called.Load() {
		t.Error("expected every probe to be called")
	}
}

func TestHandleHealth_OneUnhealthy(t *testing.T) {
	rec, resp := runHealth(t,
		&mockHealthProbe{name: "database"},
		&mockHealthProbe{name: "redis", checkErr: errors.New("connection refused")},
	)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", resp.Status)
	}
	if got := resp.Components["redis"]; got.Status != "unhealthy" || got.Message != "connection refused" {
		t.Errorf("redis component: got %+v", got)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database component: got %+v", resp.Components["database"])
	}
}

func TestHandleHealth_Timeout(t *testing.T) {
	start := time.Now()
	rec, resp := runHealth(t, &mockHealthProbe{name: "database", delay: 10 * time.Second})

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("health check took %v, expected to stop near the deadline", elapsed)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if got := resp.Components["database"]; got.Status != "unhealthy" || got.LatencyMS != healthCheckTimeout.Milliseconds() {
		t.Errorf("expected timed out probe to be unhealthy at the deadline, got %+v", got)
	}
}

func TestHandleHealth_ProbePanic(t *testing.T) {
	rec, resp := runHealth(t, &mockHealthProbe{name: "redis", panics: true})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if got := resp.Components["redis"].Message; got != "probe panicked: boom" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestNewProbe(t *testing.T) {
	calls := 0
	p := NewProbe("database", func(context.Context) error { calls++; return nil })

	if p.Name() != "database" {
		t.Errorf("unexpected name %q", p.Name())
	}
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
