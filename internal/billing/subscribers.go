package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qrcloud/internal/email"
	"qrcloud/internal/events"
	"qrcloud/internal/types"
)

// Subscribers holds the reactions to subscription events. Every handler is
// idempotent so redelivery and reconciliation re-emission are harmless.
type Subscribers struct {
	subs        SubscriptionStore
	users       UserDirectory
	domains     DomainManager
	mailer      Mailer
	catalog     *PlanCatalog
	gracePeriod time.Duration
	clock       types.Clock
	logger      *slog.Logger
}

// SubscribersConfig holds the collaborators of Subscribers.
type SubscribersConfig struct {
	Subscriptions   SubscriptionStore
	Users           UserDirectory
	Domains         DomainManager
	Mailer          Mailer
	Catalog         *PlanCatalog
	GracePeriodDays int
	Clock           types.Clock
	Logger          *slog.Logger
}

// NewSubscribers creates Subscribers.
func NewSubscribers(cfg SubscribersConfig) *Subscribers {
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subscribers{
		subs:        cfg.Subscriptions,
		users:       cfg.Users,
		domains:     cfg.Domains,
		mailer:      cfg.Mailer,
		catalog:     cfg.Catalog,
		gracePeriod: time.Duration(cfg.GracePeriodDays) * 24 * time.Hour,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Register wires every handler into r.
func (s *Subscribers) Register(r *events.Registry) {
	r.Register(types.EventKindActive, "restore_access", s.OnActive)
	r.Register(types.EventKindCanceled, "start_grace_period", s.OnCanceled)
	r.Register(types.EventKindPastDue, "payment_failed_email", s.OnPastDue)
	r.Register(types.EventKindCancelInitiated, "cancellation_scheduled_email", s.OnCancelInitiated)
}

// React runs the reaction registered for evt.Kind.
func (s *Subscribers) React(ctx context.Context, evt types.SubscriptionEvent) error {
	switch evt.Kind {
	case types.EventKindActive:
		return s.OnActive(ctx, evt)
	case types.EventKindCanceled:
		return s.OnCanceled(ctx, evt)
	case types.EventKindPastDue:
		return s.OnPastDue(ctx, evt)
	case types.EventKindCancelInitiated:
		return s.OnCancelInitiated(ctx, evt)
	}
	return fmt.Errorf("no reaction for event kind %q", evt.Kind)
}

// OnActive restores access after (re)activation and welcomes the user.
// Domains are enabled before the grace markers are cleared, so a failed
// enable is retried on redelivery or by the reaction retry job.
func (s *Subscribers) OnActive(ctx context.Context, evt types.SubscriptionEvent) error {
	sub, err := s.load(ctx, evt)
	if err != nil || sub == nil {
		return err
	}

	if sub.DomainsDisabledAt != nil {
		n, err := s.domains.EnableAllForUser(ctx, sub.UserID)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "custom domains re-enabled", "user_id", sub.UserID, "domains", n)
	}
	if sub.GracePeriodEndsAt != nil || sub.DomainsDisabledAt != nil {
		if err := s.subs.ClearGracePeriod(ctx, sub.ID); err != nil {
			return err
		}
	}
	if sub.PastDueNotifiedAt != nil {
		if err := s.subs.ClearPastDueNotified(ctx, sub.ID); err != nil {
			return err
		}
	}

	return s.notify(ctx, evt, types.EmailSubscriptionActivated, email.Data{PeriodEnd: evt.CurrentPeriodEnd})
}

// OnCanceled confirms the cancellation and starts the grace period. The
// running grace period is the marker, so it is written after the email;
// a failure in between sends the confirmation again on retry.
func (s *Subscribers) OnCanceled(ctx context.Context, evt types.SubscriptionEvent) error {
	sub, err := s.load(ctx, evt)
	if err != nil || sub == nil {
		return err
	}

	if sub.GracePeriodEndsAt != nil {
		return nil
	}

	endsAt := s.clock.Now().Add(s.gracePeriod)
	if err := s.notify(ctx, evt, types.EmailSubscriptionCanceled, email.Data{
		PeriodEnd:       evt.CurrentPeriodEnd,
		GracePeriodEnds: &endsAt,
	}); err != nil {
		return err
	}

	started, err := s.subs.StartGracePeriod(ctx, sub.ID, endsAt)
	if err != nil {
		return err
	}
	if started {
		s.logger.InfoContext(ctx, "grace period started", "user_id", sub.UserID, "ends_at", endsAt)
	}
	return nil
}

// OnPastDue sends the payment failed email once per past_due episode.
func (s *Subscribers) OnPastDue(ctx context.Context, evt types.SubscriptionEvent) error {
	sub, err := s.load(ctx, evt)
	if err != nil || sub == nil || sub.PastDueNotifiedAt != nil {
		return err
	}

	if err := s.notify(ctx, evt, types.EmailPaymentFailed, email.Data{PeriodEnd: evt.CurrentPeriodEnd}); err != nil {
		return err
	}
	return s.subs.MarkPastDueNotified(ctx, sub.ID, s.clock.Now())
}

// OnCancelInitiated confirms a scheduled cancellation once.
func (s *Subscribers) OnCancelInitiated(ctx context.Context, evt types.SubscriptionEvent) error {
	sub, err := s.load(ctx, evt)
	if err != nil || sub == nil || sub.CancellationNotifiedAt != nil {
		return err
	}

	if err := s.notify(ctx, evt, types.EmailCancellationScheduled, email.Data{PeriodEnd: evt.CurrentPeriodEnd}); err != nil {
		return err
	}
	return s.subs.MarkCancellationNotified(ctx, sub.ID, s.clock.Now())
}

func (s *Subscribers) load(ctx context.Context, evt types.SubscriptionEvent) (*types.Subscription, error) {
	sub, err := s.subs.FindByUserID(ctx, evt.UserID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		s.logger.WarnContext(ctx, "event for user without subscription",
			"kind", string(evt.Kind),
			"user_id", evt.UserID,
		)
		return nil, nil
	}
	if evt.ProviderSubscriptionID != "" && sub.ProviderSubscriptionID != evt.ProviderSubscriptionID {
		s.logger.InfoContext(ctx, "ignoring event for replaced subscription",
			"kind", string(evt.Kind),
			"user_id", evt.UserID,
			"subscription_id", evt.ProviderSubscriptionID,
		)
		return nil, nil
	}
	return sub, nil
}

// notify sends a lifecycle email. A deleted user or one without an email
// address is logged and skipped; the caller still sets its marker since
// there is nothing to retry.
func (s *Subscribers) notify(ctx context.Context, evt types.SubscriptionEvent, tmpl types.EmailTemplate, data email.Data) error {
	to, firstName := evt.Email, evt.FirstName
	if to == "" {
		// Emitted during an identity outage, or re-run by the retry job.
		user, err := s.users.GetUser(ctx, evt.UserID)
		if types.CodeOf(err) == types.ErrCodeNotFoundUser {
			s.logger.WarnContext(ctx, "user no longer exists, skipping email",
				"template", string(tmpl),
				"user_id", evt.UserID,
			)
			return nil
		}
		if err != nil {
			return err
		}
		to, firstName = user.Email, user.FirstName
	}

	data.FirstName = firstName
	data.PlanName = s.catalog.PlanName(evt.PriceID)
	data.Now = s.clock.Now()

	err := s.mailer.Send(ctx, to, tmpl, data)
	if errors.Is(err, email.ErrNoRecipient) {
		s.logger.WarnContext(ctx, "user has no email address, skipping",
			"template", string(tmpl),
			"user_id", evt.UserID,
		)
		return nil
	}
	return err
}
