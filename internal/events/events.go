// Package events carries subscription lifecycle events from the code that
// detects transitions to the subscribers that act on them. Handlers are
// registered explicitly per kind at startup; transports (in-process, SQS,
// RabbitMQ) only move the serialized event.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"qrcloud/internal/types"
)

// Publisher emits a subscription event.
type Publisher interface {
	Publish(ctx context.Context, evt types.SubscriptionEvent) error
}

// HandlerFunc reacts to one event.
type HandlerFunc func(ctx context.Context, evt types.SubscriptionEvent) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

// Registry maps event kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.EventKind][]namedHandler
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[types.EventKind][]namedHandler),
		logger:   logger,
	}
}

// Register appends fn to the handlers of kind. name appears in logs.
func (r *Registry) Register(kind types.EventKind, name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], namedHandler{name: name, fn: fn})
}

// Handlers returns the number of handlers registered for kind.
func (r *Registry) Handlers(kind types.EventKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[kind])
}

// Dispatch runs every handler of evt.Kind in registration order. A failing
// handler does not stop the rest; all failures are joined into the returned
// error.
func (r *Registry) Dispatch(ctx context.Context, evt types.SubscriptionEvent) error {
	r.mu.RLock()
	handlers := r.handlers[evt.Kind]
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.DebugContext(ctx, "no handlers for event kind", "kind", string(evt.Kind))
		return nil
	}

	var errs []error
	for _, h := range handlers {
		start := time.Now()
		if err := h.fn(ctx, evt); err != nil {
			r.logger.ErrorContext(ctx, "event handler failed",
				"kind", string(evt.Kind),
				"handler", h.name,
				"user_id", evt.UserID,
				"subscription_id", evt.ProviderSubscriptionID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		r.logger.DebugContext(ctx, "event handled",
			"kind", string(evt.Kind),
			"handler", h.name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return errors.Join(errs...)
}

const routingKeyPrefix = "subscription."

// RoutingKey is the broker routing key of kind.
func RoutingKey(kind types.EventKind) string {
	return routingKeyPrefix + string(kind)
}

// Encode serializes evt for a transport.
func Encode(evt types.SubscriptionEvent) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("events: encoding %s event: %w", evt.Kind, err)
	}
	return b, nil
}

// Decode parses a transported event. fallbackKind is used when the body
// carries no kind, e.g. the AMQP routing key suffix.
func Decode(body []byte, fallbackKind string) (types.SubscriptionEvent, error) {
	var evt types.SubscriptionEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return evt, fmt.Errorf("events: decoding event: %w", err)
	}
	if evt.Kind == "" {
		evt.Kind = types.EventKind(strings.TrimPrefix(fallbackKind, routingKeyPrefix))
	}
	if !isKnownKind(evt.Kind) {
		return evt, fmt.Errorf("events: unknown event kind %q", evt.Kind)
	}
	return evt, nil
}

func isKnownKind(kind types.EventKind) bool {
	for _, k := range types.AllEventKinds {
		if k == kind {
			return true
		}
	}
	return false
}
