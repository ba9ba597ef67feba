package billing

import (
	"context"
	"log/slog"
	"time"

	"qrcloud/internal/cache"
	"qrcloud/internal/external"
	"qrcloud/internal/types"
)

// DefaultDedupTTL covers Stripe's retry window.
const DefaultDedupTTL = 24 * time.Hour

// WebhookProcessor applies verified Stripe webhook events to the local
// subscription store.
type WebhookProcessor struct {
	subs     SubscriptionStore
	source   SubscriptionSource
	engine   *Engine
	cache    KeyValueCache
	dedupTTL time.Duration
	logger   *slog.Logger
}

// WebhookProcessorConfig holds the collaborators of a WebhookProcessor.
type WebhookProcessorConfig struct {
	Subscriptions SubscriptionStore
	Source        SubscriptionSource
	Engine        *Engine
	Cache         KeyValueCache
	DedupTTL      time.Duration
	Logger        *slog.Logger
}

// NewWebhookProcessor creates a WebhookProcessor.
func NewWebhookProcessor(cfg WebhookProcessorConfig) *WebhookProcessor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookProcessor{
		subs:     cfg.Subscriptions,
		source:   cfg.Source,
		engine:   cfg.Engine,
		cache:    cfg.Cache,
		dedupTTL: cfg.DedupTTL,
		logger:   cfg.Logger,
	}
}

// HandleEvent processes evt at most once per event id. A returned error
// means the event was not applied and the delivery should be retried; the
// dedup claim is released so the retry is not dropped.
func (p *WebhookProcessor) HandleEvent(ctx context.Context, evt *types.WebhookEvent) error {
	log := p.logger.With("event_id", evt.ID, "event_type", evt.Type)

	key := cache.WebhookEventKey(evt.ID)
	claimed, err := p.cache.SetNX(ctx, key, evt.Type, p.dedupTTL)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		return err
	}
	if !claimed {
		log.InfoContext(ctx, "duplicate webhook event, skipping")
		return nil
	}

	if err := p.route(ctx, log, evt); err != nil {
		log.ErrorContext(ctx, "webhook event handling failed", "error", err)
		if delErr := p.cache.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			log.ErrorContext(ctx, "failed to release webhook claim", "error", delErr)
		}
		return err
	}
	return nil
}

func (p *WebhookProcessor) route(ctx context.Context, log *slog.Logger, evt *types.WebhookEvent) error {
	switch evt.Type {
	case types.StripeEventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, log, evt)
	case types.StripeEventSubUpdated:
		return p.handleSubscriptionUpdated(ctx, log, evt)
	case types.StripeEventSubDeleted:
		return p.handleSubscriptionDeleted(ctx, log, evt)
	case types.StripeEventPaymentFailed:
		return p.handlePaymentFailed(ctx, log, evt)
	default:
		log.InfoContext(ctx, "ignoring unhandled webhook event type")
		return nil
	}
}

func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, log *slog.Logger, evt *types.WebhookEvent) error {
	session, err := external.ParseCheckoutSession(evt.Object)
	if err != nil {
		return err
	}
	if session.UserID == "" || session.SubscriptionID == "" {
		log.WarnContext(ctx, "checkout session without user or subscription",
			"user_id", session.UserID,
			"subscription_id", session.SubscriptionID,
		)
		return nil
	}

	remote, err := p.source.GetSubscription(ctx, session.SubscriptionID)
	if err != nil {
		return err
	}
	if !remote.HasPeriod() {
		return types.NewAppError(types.ErrCodeUpstreamStripe, "subscription "+remote.ID+" has no current period", nil)
	}
	if remote.CustomerID == "" {
		remote.CustomerID = session.CustomerID
	}

	sub, err := p.storeCheckout(ctx, log, session.UserID, remote)
	if err != nil {
		return err
	}

	return p.engine.EmitActive(ctx, transitionFor(sub, ""))
}

// storeCheckout records the subscription created by a checkout. A user
// keeps a single row: when they already have one for a different
// subscription, it is overwritten in place.
func (p *WebhookProcessor) storeCheckout(ctx context.Context, log *slog.Logger, userID string, remote *types.ProviderSubscription) (*types.Subscription, error) {
	existing, err := p.subs.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if existing != nil && existing.ProviderSubscriptionID != remote.ID {
		log.InfoContext(ctx, "replacing previous subscription of user",
			"user_id", userID,
			"previous_subscription_id", existing.ProviderSubscriptionID,
			"previous_status", string(existing.Status),
			"subscription_id", remote.ID,
		)
		updated, err := overwriteInPlace(ctx, p.subs, existing, remote)
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}

	return p.subs.UpsertByProviderSubscriptionID(ctx, newSubscriptionRow(userID, remote))
}

func (p *WebhookProcessor) handleSubscriptionUpdated(ctx context.Context, log *slog.Logger, evt *types.WebhookEvent) error {
	remote, err := external.ParseSubscription(evt.Object)
	if err != nil {
		return err
	}

	local, err := p.subs.FindByProviderSubscriptionID(ctx, remote.ID)
	if err != nil {
		return err
	}
	if local == nil {
		log.WarnContext(ctx, "no local subscription for update, leaving it to reconciliation",
			"subscription_id", remote.ID,
		)
		return nil
	}

	remote, err = ensurePeriod(ctx, p.source, remote)
	if err != nil {
		return err
	}

	patch := fullPatch(remote)
	if err := p.subs.Update(ctx, local.ID, patch); err != nil {
		return err
	}
	updated := patch.Apply(*local)

	if err := p.engine.HandleTransition(ctx, transitionFor(&updated, local.Status)); err != nil {
		return err
	}
	return cancelFlip(ctx, p.engine, p.subs, local, updated)
}

func (p *WebhookProcessor) handleSubscriptionDeleted(ctx context.Context, log *slog.Logger, evt *types.WebhookEvent) error {
	remote, err := external.ParseSubscription(evt.Object)
	if err != nil {
		return err
	}

	local, err := p.subs.FindByProviderSubscriptionID(ctx, remote.ID)
	if err != nil {
		return err
	}
	if local == nil {
		log.WarnContext(ctx, "no local subscription for deletion", "subscription_id", remote.ID)
		return nil
	}

	remote, err = ensurePeriod(ctx, p.source, remote)
	if err != nil {
		return err
	}

	canceled := types.SubStatusCanceled
	noCancel := false
	start := remote.CurrentPeriodStart.UTC()
	end := remote.CurrentPeriodEnd.UTC()
	patch := types.SubscriptionPatch{
		Status:             &canceled,
		CancelAtPeriodEnd:  &noCancel,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}
	if err := p.subs.Update(ctx, local.ID, patch); err != nil {
		return err
	}
	updated := patch.Apply(*local)

	return p.engine.EmitCanceled(ctx, transitionFor(&updated, local.Status))
}

func (p *WebhookProcessor) handlePaymentFailed(ctx context.Context, log *slog.Logger, evt *types.WebhookEvent) error {
	invoice, err := external.ParseInvoice(evt.Object)
	if err != nil {
		return err
	}
	if invoice.SubscriptionID == "" {
		log.DebugContext(ctx, "invoice without subscription", "invoice_id", invoice.ID)
		return nil
	}

	local, err := p.subs.FindByProviderSubscriptionID(ctx, invoice.SubscriptionID)
	if err != nil {
		return err
	}
	if local == nil {
		log.DebugContext(ctx, "no local subscription for failed invoice",
			"invoice_id", invoice.ID,
			"subscription_id", invoice.SubscriptionID,
		)
		return nil
	}

	return p.engine.EmitPastDue(ctx, transitionFor(local, local.Status))
}

func newSubscriptionRow(userID string, remote *types.ProviderSubscription) *types.Subscription {
	return &types.Subscription{
		UserID:                 userID,
		ProviderCustomerID:     remote.CustomerID,
		ProviderSubscriptionID: remote.ID,
		PriceID:                remote.PriceID,
		Status:                 remote.Status,
		CurrentPeriodStart:     remote.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       remote.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      remote.CancelAtPeriodEnd,
	}
}

// overwriteInPlace points an existing row, keeping its id, at a different
// provider subscription. Lifecycle markers of the old subscription are
// reset.
func overwriteInPlace(ctx context.Context, subs SubscriptionStore, existing *types.Subscription, remote *types.ProviderSubscription) (types.Subscription, error) {
	patch := fullPatch(remote)
	subID := remote.ID
	patch.ProviderSubscriptionID = &subID
	if remote.CustomerID != "" {
		customerID := remote.CustomerID
		patch.ProviderCustomerID = &customerID
	}

	if err := subs.Update(ctx, existing.ID, patch); err != nil {
		return types.Subscription{}, err
	}
	if err := subs.ClearCancellationMarkers(ctx, existing.ID); err != nil {
		return types.Subscription{}, err
	}
	if err := subs.ClearPastDueNotified(ctx, existing.ID); err != nil {
		return types.Subscription{}, err
	}

	updated := patch.Apply(*existing)
	updated.CancellationNotifiedAt = nil
	updated.CancellationReminderSentAt = nil
	updated.PastDueNotifiedAt = nil
	return updated, nil
}
