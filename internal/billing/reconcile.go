package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qrcloud/internal/types"
)

// JobReconcileSubscriptions names the reconciliation job in locks, logs
// and metrics.
const JobReconcileSubscriptions = "reconcile_subscriptions"

// ReconcileSummary counts the outcome of one reconciliation run.
type ReconcileSummary struct {
	Verified   int
	Reconciled int
	Created    int
	Skipped    int
	Errors     int
	Duration   time.Duration
}

// Items is the number of subscriptions the run looked at.
func (s ReconcileSummary) Items() int {
	return s.Verified + s.Created + s.Skipped + s.Errors
}

func (s ReconcileSummary) counts() map[string]int {
	return map[string]int{
		"verified":   s.Verified,
		"reconciled": s.Reconciled,
		"created":    s.Created,
		"skipped":    s.Skipped,
		"errors":     s.Errors,
	}
}

// Reconciler repairs drift between the local store and Stripe and creates
// rows for subscriptions whose webhooks never arrived. It is safe to run
// concurrently with webhook processing.
type Reconciler struct {
	subs      SubscriptionStore
	source    SubscriptionSource
	engine    *Engine
	metrics   JobMetrics
	tolerance time.Duration
	clock     types.Clock
	logger    *slog.Logger
}

// ReconcilerConfig holds the collaborators of a Reconciler.
type ReconcilerConfig struct {
	Subscriptions   SubscriptionStore
	Source          SubscriptionSource
	Engine          *Engine
	Metrics         JobMetrics
	PeriodTolerance time.Duration
	Clock           types.Clock
	Logger          *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.PeriodTolerance <= 0 {
		cfg.PeriodTolerance = DefaultPeriodTolerance
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopJobMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		subs:      cfg.Subscriptions,
		source:    cfg.Source,
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		tolerance: cfg.PeriodTolerance,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// Run performs both passes. Per-item failures are counted and do not stop
// the run. Failing to load local rows skips pass 1 only; it is counted, the
// gap fill still runs and the error is returned after the summary.
func (r *Reconciler) Run(ctx context.Context) (ReconcileSummary, error) {
	start := r.clock.Now()
	var summary ReconcileSummary

	r.logger.InfoContext(ctx, "subscription reconciliation started")

	loadErr := r.repairDrift(ctx, &summary)
	if loadErr != nil {
		summary.Errors++
		r.logger.ErrorContext(ctx, "failed to load local subscriptions, drift repair skipped", "error", loadErr)
	}
	r.fillGaps(ctx, &summary)

	summary.Duration = r.clock.Now().Sub(start)
	r.metrics.RecordRun(ctx, JobReconcileSubscriptions, summary.counts(), summary.Duration)

	r.logger.InfoContext(ctx, "subscription reconciliation finished",
		"verified", summary.Verified,
		"reconciled", summary.Reconciled,
		"created", summary.Created,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"duration_ms", summary.Duration.Milliseconds(),
	)
	if loadErr != nil {
		return summary, fmt.Errorf("loading local subscriptions: %w", loadErr)
	}
	return summary, ctx.Err()
}

// repairDrift is pass 1: every tracked non-canceled row is compared with
// Stripe. It returns only the load error; Run reports cancellation.
func (r *Reconciler) repairDrift(ctx context.Context, summary *ReconcileSummary) error {
	locals, err := r.subs.FindAllNonCanceled(ctx)
	if err != nil {
		return err
	}

	for _, local := range locals {
		if ctx.Err() != nil {
			return nil
		}

		reconciled, err := r.repairOne(ctx, local)
		if err != nil {
			summary.Errors++
			r.logger.ErrorContext(ctx, "failed to reconcile subscription",
				"subscription_id", local.ProviderSubscriptionID,
				"user_id", local.UserID,
				"error", err,
			)
			continue
		}
		summary.Verified++
		if reconciled {
			summary.Reconciled++
		}
	}
	return nil
}

func (r *Reconciler) repairOne(ctx context.Context, local *types.Subscription) (bool, error) {
	remote, err := r.source.GetSubscription(ctx, local.ProviderSubscriptionID)
	if err != nil {
		return false, err
	}
	remote, err = ensurePeriod(ctx, r.source, remote)
	if err != nil {
		return false, err
	}

	patch := computeDrift(local, remote, r.tolerance)
	if patch == nil {
		return false, nil
	}

	if err := r.subs.Update(ctx, local.ID, *patch); err != nil {
		return false, err
	}
	updated := patch.Apply(*local)

	r.logger.InfoContext(ctx, "repaired subscription drift",
		"subscription_id", local.ProviderSubscriptionID,
		"user_id", local.UserID,
		"from_status", string(local.Status),
		"to_status", string(updated.Status),
	)

	if err := r.engine.HandleTransition(ctx, transitionFor(&updated, local.Status)); err != nil {
		return true, err
	}
	if err := cancelFlip(ctx, r.engine, r.subs, local, updated); err != nil {
		return true, err
	}
	return true, nil
}

// fillGaps is pass 2: live Stripe subscriptions without a local row are
// recorded.
func (r *Reconciler) fillGaps(ctx context.Context, summary *ReconcileSummary) {
	remotes, err := r.source.ListActiveSubscriptions(ctx)
	if err != nil {
		summary.Errors++
		r.logger.ErrorContext(ctx, "failed to list active subscriptions", "error", err)
		return
	}

	for _, remote := range remotes {
		if ctx.Err() != nil {
			return
		}

		created, err := r.fillOne(ctx, remote)
		switch {
		case err != nil:
			summary.Errors++
			r.logger.ErrorContext(ctx, "failed to record missing subscription",
				"subscription_id", remote.ID,
				"user_id", remote.UserID(),
				"error", err,
			)
		case created:
			summary.Created++
		default:
			summary.Skipped++
		}
	}
}

func (r *Reconciler) fillOne(ctx context.Context, remote *types.ProviderSubscription) (bool, error) {
	known, err := r.subs.FindByProviderSubscriptionID(ctx, remote.ID)
	if err != nil {
		return false, err
	}
	if known != nil {
		return false, nil
	}

	userID := remote.UserID()
	if userID == "" {
		r.logger.WarnContext(ctx, "provider subscription has no user id in metadata",
			"subscription_id", remote.ID,
			"customer_id", remote.CustomerID,
		)
		return false, nil
	}

	existing, err := r.subs.FindByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Status != types.SubStatusCanceled {
		r.logger.InfoContext(ctx, "user already has a live subscription, skipping",
			"subscription_id", remote.ID,
			"user_id", userID,
			"existing_subscription_id", existing.ProviderSubscriptionID,
		)
		return false, nil
	}

	remote, err = ensurePeriod(ctx, r.source, remote)
	if err != nil {
		return false, err
	}

	var (
		sub      types.Subscription
		previous types.SubscriptionStatus
	)
	if existing != nil {
		previous = existing.Status
		sub, err = overwriteInPlace(ctx, r.subs, existing, remote)
		if err != nil {
			return false, err
		}
	} else {
		created, err := r.subs.UpsertByProviderSubscriptionID(ctx, newSubscriptionRow(userID, remote))
		if err != nil {
			return false, err
		}
		sub = *created
	}

	args := []any{"subscription_id", remote.ID, "user_id", userID, "reused_row", existing != nil}
	if existing != nil {
		args = append(args, "previous_subscription_id", existing.ProviderSubscriptionID)
	}
	r.logger.InfoContext(ctx, "recorded missing subscription", args...)

	return true, r.engine.HandleTransition(ctx, transitionFor(&sub, previous))
}
