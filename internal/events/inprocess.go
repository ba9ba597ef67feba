package events

import (
	"context"
	"log/slog"

	"qrcloud/internal/types"
)

// InProcessPublisher dispatches events synchronously through a Registry.
// Used when no broker is configured. Subscriber failures are logged and not
// returned to the publisher. A failed reaction leaves its lifecycle marker
// unset and the retry_subscriber_reactions job runs it again.
type InProcessPublisher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewInProcessPublisher creates an InProcessPublisher.
func NewInProcessPublisher(registry *Registry, logger *slog.Logger) *InProcessPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessPublisher{registry: registry, logger: logger}
}

// Publish implements Publisher.
func (p *InProcessPublisher) Publish(ctx context.Context, evt types.SubscriptionEvent) error {
	if err := p.registry.Dispatch(ctx, evt); err != nil {
		p.logger.WarnContext(ctx, "in-process event dispatch had failures",
			"kind", string(evt.Kind),
			"user_id", evt.UserID,
			"error", err,
		)
	}
	return nil
}

var _ Publisher = (*InProcessPublisher)(nil)
