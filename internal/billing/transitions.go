package billing

import (
	"context"
	"log/slog"
	"time"

	"qrcloud/internal/cache"
	"qrcloud/internal/types"
)

// TransitionInput describes a status change of one subscription.
type TransitionInput struct {
	UserID                 string
	PreviousStatus         types.SubscriptionStatus
	NewStatus              types.SubscriptionStatus
	ProviderSubscriptionID string
	PriceID                string
	CurrentPeriodEnd       time.Time
}

// Engine turns status transitions into domain events. It is shared by the
// webhook processor and the reconciler so both converge on the same effects.
type Engine struct {
	cache     KeyValueCache
	users     UserDirectory
	publisher EventPublisher
	clock     types.Clock
	logger    *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(kv KeyValueCache, users UserDirectory, publisher EventPublisher, clock types.Clock, logger *slog.Logger) *Engine {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cache: kv, users: users, publisher: publisher, clock: clock, logger: logger}
}

// HandleTransition emits the event for a transition into active, canceled
// or past_due. Unchanged statuses and every other destination are no-ops.
func (e *Engine) HandleTransition(ctx context.Context, in TransitionInput) error {
	if in.PreviousStatus == in.NewStatus {
		return nil
	}

	switch in.NewStatus {
	case types.SubStatusActive:
		return e.EmitActive(ctx, in)
	case types.SubStatusCanceled:
		return e.EmitCanceled(ctx, in)
	case types.SubStatusPastDue:
		return e.EmitPastDue(ctx, in)
	default:
		e.logger.DebugContext(ctx, "status transition without event",
			"user_id", in.UserID,
			"subscription_id", in.ProviderSubscriptionID,
			"from", string(in.PreviousStatus),
			"to", string(in.NewStatus),
		)
		return nil
	}
}

// EmitActive emits an active event regardless of the previous status.
func (e *Engine) EmitActive(ctx context.Context, in TransitionInput) error {
	return e.emit(ctx, types.EventKindActive, in)
}

// EmitCanceled emits a canceled event regardless of the previous status.
func (e *Engine) EmitCanceled(ctx context.Context, in TransitionInput) error {
	return e.emit(ctx, types.EventKindCanceled, in)
}

// EmitPastDue emits a past_due event regardless of the previous status.
func (e *Engine) EmitPastDue(ctx context.Context, in TransitionInput) error {
	return e.emit(ctx, types.EventKindPastDue, in)
}

// EmitCancelInitiated emits a cancel_initiated event. It is driven by the
// cancel_at_period_end flag, not by a status change.
func (e *Engine) EmitCancelInitiated(ctx context.Context, in TransitionInput) error {
	return e.emit(ctx, types.EventKindCancelInitiated, in)
}

func (e *Engine) emit(ctx context.Context, kind types.EventKind, in TransitionInput) error {
	if err := e.cache.Delete(ctx, cache.UserPlanKey(in.UserID)); err != nil {
		e.logger.WarnContext(ctx, "failed to invalidate plan cache",
			"user_id", in.UserID,
			"error", err,
		)
	}

	evt := types.SubscriptionEvent{
		Kind:                   kind,
		UserID:                 in.UserID,
		ProviderSubscriptionID: in.ProviderSubscriptionID,
		PriceID:                in.PriceID,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		OccurredAt:             e.clock.Now(),
	}

	// Identity is best effort: an outage must not block the event.
	user, err := e.users.GetUser(ctx, in.UserID)
	switch {
	case err != nil:
		e.logger.ErrorContext(ctx, "user lookup failed, emitting event without contact details",
			"kind", string(kind),
			"user_id", in.UserID,
			"error", err,
		)
	case user != nil:
		evt.Email = user.Email
		evt.FirstName = user.FirstName
	}

	if err := e.publisher.Publish(ctx, evt); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "subscription event emitted",
		"kind", string(kind),
		"user_id", in.UserID,
		"subscription_id", in.ProviderSubscriptionID,
	)
	return nil
}

func transitionFor(sub *types.Subscription, previous types.SubscriptionStatus) TransitionInput {
	return TransitionInput{
		UserID:                 sub.UserID,
		PreviousStatus:         previous,
		NewStatus:              sub.Status,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		PriceID:                sub.PriceID,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
	}
}
