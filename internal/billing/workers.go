package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qrcloud/internal/email"
	"qrcloud/internal/types"
)

// Job names of the time-based workers.
const (
	JobExpireGracePeriods        = "expire_grace_periods"
	JobSendCancellationReminders = "send_cancellation_reminders"
	JobRetryReactions            = "retry_subscriber_reactions"
)

// WorkerSummary counts the outcome of one worker run.
type WorkerSummary struct {
	Processed int
	Errors    int
	Duration  time.Duration
}

func (s WorkerSummary) counts() map[string]int {
	return map[string]int{"processed": s.Processed, "errors": s.Errors}
}

// WorkerDeps are the collaborators shared by the workers.
type WorkerDeps struct {
	Subscriptions SubscriptionStore
	Users         UserDirectory
	Domains       DomainManager
	Mailer        Mailer
	Catalog       *PlanCatalog
	Metrics       JobMetrics
	Clock         types.Clock
	Logger        *slog.Logger
}

func (d *WorkerDeps) defaults() {
	if d.Metrics == nil {
		d.Metrics = NopJobMetrics{}
	}
	if d.Clock == nil {
		d.Clock = types.RealClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// GracePeriodWorker disables the custom domains of users whose grace period
// has run out.
type GracePeriodWorker struct {
	deps WorkerDeps
}

// NewGracePeriodWorker creates a GracePeriodWorker.
func NewGracePeriodWorker(deps WorkerDeps) *GracePeriodWorker {
	deps.defaults()
	return &GracePeriodWorker{deps: deps}
}

// Run processes every expired, unprocessed grace period.
func (w *GracePeriodWorker) Run(ctx context.Context) (WorkerSummary, error) {
	d := w.deps
	now := d.Clock.Now()

	subs, err := d.Subscriptions.FindExpiredUnprocessedGracePeriods(ctx, now)
	if err != nil {
		return WorkerSummary{}, err
	}

	var summary WorkerSummary
	for _, sub := range subs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := w.expire(ctx, sub, now); err != nil {
			summary.Errors++
			d.Logger.ErrorContext(ctx, "failed to expire grace period",
				"user_id", sub.UserID,
				"subscription_id", sub.ProviderSubscriptionID,
				"error", err,
			)
			continue
		}
		summary.Processed++
	}

	summary.Duration = d.Clock.Now().Sub(now)
	d.Metrics.RecordRun(ctx, JobExpireGracePeriods, summary.counts(), summary.Duration)
	d.Logger.InfoContext(ctx, "grace period expiry finished",
		"processed", summary.Processed,
		"errors", summary.Errors,
	)
	return summary, nil
}

func (w *GracePeriodWorker) expire(ctx context.Context, sub *types.Subscription, now time.Time) error {
	d := w.deps

	disabled, err := d.Domains.DisableAllForUser(ctx, sub.UserID, now)
	if err != nil {
		return err
	}
	if err := d.Subscriptions.MarkDomainsDisabled(ctx, sub.ID, now); err != nil {
		return err
	}

	d.Logger.InfoContext(ctx, "custom domains disabled after grace period",
		"user_id", sub.UserID,
		"domains", disabled,
	)

	// Best effort: the domains are already disabled and the marker is set.
	user, err := d.Users.GetUser(ctx, sub.UserID)
	if err != nil {
		d.Logger.WarnContext(ctx, "skipping domains disabled email, user lookup failed",
			"user_id", sub.UserID,
			"error", err,
		)
		return nil
	}
	if err := d.Mailer.Send(ctx, user.Email, types.EmailDomainsDisabled, email.Data{
		FirstName: user.FirstName,
		PlanName:  d.Catalog.PlanName(sub.PriceID),
		Now:       now,
	}); err != nil {
		d.Logger.WarnContext(ctx, "failed to send domains disabled email",
			"user_id", sub.UserID,
			"error", err,
		)
	}
	return nil
}

// CancellationReminderWorker reminds users whose subscription is about to
// end after they canceled it.
type CancellationReminderWorker struct {
	deps       WorkerDeps
	daysBefore int
}

// NewCancellationReminderWorker creates a CancellationReminderWorker that
// reminds daysBefore days ahead of the period end.
func NewCancellationReminderWorker(deps WorkerDeps, daysBefore int) *CancellationReminderWorker {
	deps.defaults()
	return &CancellationReminderWorker{deps: deps, daysBefore: daysBefore}
}

// Run sends every pending reminder.
func (w *CancellationReminderWorker) Run(ctx context.Context) (WorkerSummary, error) {
	d := w.deps
	now := d.Clock.Now()

	subs, err := d.Subscriptions.FindPendingCancellationReminders(ctx, now, w.daysBefore)
	if err != nil {
		return WorkerSummary{}, err
	}

	var summary WorkerSummary
	for _, sub := range subs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := w.remind(ctx, sub, now); err != nil {
			summary.Errors++
			d.Logger.ErrorContext(ctx, "failed to send cancellation reminder",
				"user_id", sub.UserID,
				"subscription_id", sub.ProviderSubscriptionID,
				"error", err,
			)
			continue
		}
		summary.Processed++
	}

	summary.Duration = d.Clock.Now().Sub(now)
	d.Metrics.RecordRun(ctx, JobSendCancellationReminders, summary.counts(), summary.Duration)
	d.Logger.InfoContext(ctx, "cancellation reminders finished",
		"processed", summary.Processed,
		"errors", summary.Errors,
	)
	return summary, nil
}

func (w *CancellationReminderWorker) remind(ctx context.Context, sub *types.Subscription, now time.Time) error {
	d := w.deps

	user, err := d.Users.GetUser(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		return errors.New("user has no email address")
	}

	if err := d.Mailer.Send(ctx, user.Email, types.EmailCancellationReminder, email.Data{
		FirstName: user.FirstName,
		PlanName:  d.Catalog.PlanName(sub.PriceID),
		PeriodEnd: sub.CurrentPeriodEnd,
		Now:       now,
	}); err != nil {
		return err
	}

	// Marker only after the send succeeded so a failure retries next run.
	return d.Subscriptions.MarkCancellationReminderSent(ctx, sub.ID, now)
}

// ReactionRetryWorker re-runs subscriber reactions whose marker is still
// unset: an unsent cancellation or payment email, a grace period that never
// started, or domains left disabled after reactivation. Event delivery
// swallows subscriber failures and a repeated webhook no longer sees the
// transition, so this is the pass that retries them.
type ReactionRetryWorker struct {
	deps      WorkerDeps
	reactions *Subscribers
	settle    time.Duration
}

// NewReactionRetryWorker creates a ReactionRetryWorker. Rows changed within
// settle are left to the event delivery still in flight.
func NewReactionRetryWorker(deps WorkerDeps, reactions *Subscribers, settle time.Duration) *ReactionRetryWorker {
	deps.defaults()
	return &ReactionRetryWorker{deps: deps, reactions: reactions, settle: settle}
}

// Run retries every pending reaction. Processed counts rows whose
// reactions all succeeded.
func (w *ReactionRetryWorker) Run(ctx context.Context) (WorkerSummary, error) {
	d := w.deps
	now := d.Clock.Now()

	subs, err := d.Subscriptions.FindPendingReactions(ctx, now.Add(-w.settle))
	if err != nil {
		return WorkerSummary{}, err
	}

	var summary WorkerSummary
	for _, sub := range subs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if err := w.retry(ctx, sub, now); err != nil {
			summary.Errors++
			d.Logger.ErrorContext(ctx, "failed to retry subscriber reaction",
				"user_id", sub.UserID,
				"subscription_id", sub.ProviderSubscriptionID,
				"error", err,
			)
			continue
		}
		summary.Processed++
	}

	summary.Duration = d.Clock.Now().Sub(now)
	d.Metrics.RecordRun(ctx, JobRetryReactions, summary.counts(), summary.Duration)
	d.Logger.InfoContext(ctx, "subscriber reaction retry finished",
		"processed", summary.Processed,
		"errors", summary.Errors,
	)
	return summary, nil
}

func (w *ReactionRetryWorker) retry(ctx context.Context, sub *types.Subscription, now time.Time) error {
	for _, kind := range pendingReactions(sub) {
		evt := types.SubscriptionEvent{
			Kind:                   kind,
			UserID:                 sub.UserID,
			ProviderSubscriptionID: sub.ProviderSubscriptionID,
			PriceID:                sub.PriceID,
			CurrentPeriodEnd:       sub.CurrentPeriodEnd,
			OccurredAt:             now,
		}
		if err := w.reactions.React(ctx, evt); err != nil {
			return fmt.Errorf("%s reaction: %w", kind, err)
		}
		w.deps.Logger.InfoContext(ctx, "subscriber reaction retried",
			"kind", string(kind),
			"user_id", sub.UserID,
		)
	}
	return nil
}

// pendingReactions lists the reactions the row's markers say never
// completed. It mirrors the FindPendingReactions query.
func pendingReactions(sub *types.Subscription) []types.EventKind {
	var kinds []types.EventKind
	switch sub.Status {
	case types.SubStatusCanceled:
		if sub.GracePeriodEndsAt == nil {
			kinds = append(kinds, types.EventKindCanceled)
		}
	case types.SubStatusPastDue:
		if sub.PastDueNotifiedAt == nil {
			kinds = append(kinds, types.EventKindPastDue)
		}
	case types.SubStatusActive, types.SubStatusTrialing:
		if sub.Status == types.SubStatusActive && (sub.GracePeriodEndsAt != nil || sub.PastDueNotifiedAt != nil) {
			kinds = append(kinds, types.EventKindActive)
		}
		if sub.CancelAtPeriodEnd && sub.CancellationNotifiedAt == nil {
			kinds = append(kinds, types.EventKindCancelInitiated)
		}
	}
	return kinds
}
