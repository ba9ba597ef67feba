package core

import (
	"context"
	"sync"
	"time"

	"qrcloud/internal/types"
)

// MockAuthenticator implements Authenticator for tests. It returns Err when
// set, otherwise a copy of Actor.
type MockAuthenticator struct {
	Actor *types.Actor
	Err   error

	mu     sync.Mutex
	tokens []string
}

// ResolveToken implements Authenticator.
func (m *MockAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Actor == nil {
		return nil, nil
	}
	actor := *m.Actor
	return &actor, nil
}

// Tokens returns every token passed to ResolveToken.
func (m *MockAuthenticator) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

// RecordedRequest is one MetricsCollector call captured by MockMetricsCollector.
type RecordedRequest struct {
	Method   string
	Endpoint string
	Status   string
	Duration time.Duration
}

// MockMetricsCollector records RecordRequest calls.
type MockMetricsCollector struct {
	mu       sync.Mutex
	requests []RecordedRequest
}

// RecordRequest implements MetricsCollector.
func (m *MockMetricsCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{method, endpoint, status, duration})
}

// Requests returns the recorded calls.
func (m *MockMetricsCollector) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}
