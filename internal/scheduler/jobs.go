package scheduler

import (
	"context"
	"log/slog"
	"time"

	"qrcloud/internal/billing"
	"qrcloud/internal/types"
)

// BillingJobsConfig holds what the billing jobs need. A fresh worker is
// built per run with a clock fixed at the run's reference time.
type BillingJobsConfig struct {
	Subscriptions      billing.SubscriptionStore
	Source             billing.SubscriptionSource
	Engine             *billing.Engine
	Users              billing.UserDirectory
	Domains            billing.DomainManager
	Mailer             billing.Mailer
	Catalog            *billing.PlanCatalog
	Metrics            billing.JobMetrics
	PeriodTolerance    time.Duration
	ReminderDaysBefore int
	GracePeriodDays    int
	ReactionSettle     time.Duration
	Logger             *slog.Logger
}

// BillingJobs returns the job table of the billing tasks.
func BillingJobs(cfg BillingJobsConfig) map[TaskType]JobFunc {
	deps := func(now time.Time) billing.WorkerDeps {
		return billing.WorkerDeps{
			Subscriptions: cfg.Subscriptions,
			Users:         cfg.Users,
			Domains:       cfg.Domains,
			Mailer:        cfg.Mailer,
			Catalog:       cfg.Catalog,
			Metrics:       cfg.Metrics,
			Clock:         types.FixedClock{T: now},
			Logger:        cfg.Logger,
		}
	}

	return map[TaskType]JobFunc{
		TaskReconcileSubscriptions: func(ctx context.Context, now time.Time) (int, error) {
			summary, err := billing.NewReconciler(billing.ReconcilerConfig{
				Subscriptions:   cfg.Subscriptions,
				Source:          cfg.Source,
				Engine:          cfg.Engine,
				Metrics:         cfg.Metrics,
				PeriodTolerance: cfg.PeriodTolerance,
				Clock:           types.FixedClock{T: now},
				Logger:          cfg.Logger,
			}).Run(ctx)
			return summary.Items(), err
		},
		TaskExpireGracePeriods: func(ctx context.Context, now time.Time) (int, error) {
			summary, err := billing.NewGracePeriodWorker(deps(now)).Run(ctx)
			return summary.Processed, err
		},
		TaskSendCancellationReminders: func(ctx context.Context, now time.Time) (int, error) {
			summary, err := billing.NewCancellationReminderWorker(deps(now), cfg.ReminderDaysBefore).Run(ctx)
			return summary.Processed, err
		},
		TaskRetrySubscriberReactions: func(ctx context.Context, now time.Time) (int, error) {
			reactions := billing.NewSubscribers(billing.SubscribersConfig{
				Subscriptions:   cfg.Subscriptions,
				Users:           cfg.Users,
				Domains:         cfg.Domains,
				Mailer:          cfg.Mailer,
				Catalog:         cfg.Catalog,
				GracePeriodDays: cfg.GracePeriodDays,
				Clock:           types.FixedClock{T: now},
				Logger:          cfg.Logger,
			})
			summary, err := billing.NewReactionRetryWorker(deps(now), reactions, cfg.ReactionSettle).Run(ctx)
			return summary.Processed, err
		},
	}
}
