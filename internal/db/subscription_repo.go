package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"qrcloud/internal/types"
)

// SubscriptionRepository provides data access for the subscriptions table.
//
// Key invariants:
//   - At most one non-deleted row per user (partial unique index on user_id).
//   - One row per provider subscription (partial unique index on
//     provider_subscription_id).
//   - Notification markers are written only by the Mark* methods, which
//     callers invoke after the email has been sent.
//
// Lookups return (nil, nil) when no row matches.
type SubscriptionRepository struct {
	db DBTX
}

// NewSubscriptionRepository creates a new SubscriptionRepository backed by
// the given database connection (pool or transaction).
func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// subscriptionColumns must match the scan order in scanSubscription.
const subscriptionColumns = `id, user_id, provider_customer_id, provider_subscription_id, price_id,
	status, current_period_start, current_period_end, cancel_at_period_end,
	grace_period_ends_at, domains_disabled_at, cancellation_notified_at,
	cancellation_reminder_sent_at, past_due_notified_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.ProviderCustomerID,
		&s.ProviderSubscriptionID,
		&s.PriceID,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.GracePeriodEndsAt,
		&s.DomainsDisabledAt,
		&s.CancellationNotifiedAt,
		&s.CancellationReminderSentAt,
		&s.PastDueNotifiedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionRepository) findOne(ctx context.Context, where string, arg any) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE `+where+` AND deleted_at IS NULL`,
		arg,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return sub, nil
}

// FindByUserID returns the user's current subscription row.
func (r *SubscriptionRepository) FindByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	return r.findOne(ctx, "user_id = $1", userID)
}

// FindByProviderSubscriptionID returns the row tracking the given provider
// subscription.
func (r *SubscriptionRepository) FindByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*types.Subscription, error) {
	return r.findOne(ctx, "provider_subscription_id = $1", providerSubscriptionID)
}

// UpsertByProviderSubscriptionID inserts sub, or updates the provider-sourced
// fields of the row already tracking sub.ProviderSubscriptionID. Lifecycle
// markers and the owning user are never changed by the update branch. The
// stored row is returned.
func (r *SubscriptionRepository) UpsertByProviderSubscriptionID(ctx context.Context, sub *types.Subscription) (*types.Subscription, error) {
	if sub.ProviderSubscriptionID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "provider subscription id is required", nil)
	}
	if sub.CurrentPeriodStart.IsZero() || sub.CurrentPeriodEnd.IsZero() {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "subscription period bounds are required", nil)
	}

	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions
		 (id, user_id, provider_customer_id, provider_subscription_id, price_id, status,
		  current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (provider_subscription_id) WHERE deleted_at IS NULL DO UPDATE SET
		   provider_customer_id = EXCLUDED.provider_customer_id,
		   price_id = EXCLUDED.price_id,
		   status = EXCLUDED.status,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		   updated_at = NOW()
		 RETURNING `+subscriptionColumns,
		id,
		sub.UserID,
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		sub.PriceID,
		string(sub.Status),
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
	)
	stored, err := scanSubscription(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return stored, nil
}

// Update writes the non-nil fields of patch to row id. An empty patch is a
// no-op.
func (r *SubscriptionRepository) Update(ctx context.Context, id string, patch types.SubscriptionPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args = []any{id}
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.PriceID != nil {
		set("price_id", *patch.PriceID)
	}
	if patch.CurrentPeriodStart != nil {
		set("current_period_start", *patch.CurrentPeriodStart)
	}
	if patch.CurrentPeriodEnd != nil {
		set("current_period_end", *patch.CurrentPeriodEnd)
	}
	if patch.CancelAtPeriodEnd != nil {
		set("cancel_at_period_end", *patch.CancelAtPeriodEnd)
	}
	if patch.ProviderCustomerID != nil {
		set("provider_customer_id", *patch.ProviderCustomerID)
	}
	if patch.ProviderSubscriptionID != nil {
		set("provider_subscription_id", *patch.ProviderSubscriptionID)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET `+strings.Join(sets, ", ")+`, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		args...,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

func (r *SubscriptionRepository) findMany(ctx context.Context, op string, query string, args ...any) ([]*types.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query "+op, err)
	}
	defer rows.Close()

	var subs []*types.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan "+op, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating "+op, err)
	}
	return subs, nil
}

// FindAllNonCanceled returns every tracked row whose status is not canceled,
// oldest first.
func (r *SubscriptionRepository) FindAllNonCanceled(ctx context.Context) ([]*types.Subscription, error) {
	return r.findMany(ctx, "non-canceled subscriptions",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status <> 'canceled' AND deleted_at IS NULL
		 ORDER BY created_at`,
	)
}

// FindExpiredUnprocessedGracePeriods returns canceled rows whose grace period
// ended at or before now and whose domains are still enabled.
func (r *SubscriptionRepository) FindExpiredUnprocessedGracePeriods(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	return r.findMany(ctx, "expired grace periods",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE grace_period_ends_at <= $1
		   AND domains_disabled_at IS NULL
		   AND status = 'canceled'
		   AND deleted_at IS NULL
		 ORDER BY grace_period_ends_at`,
		now,
	)
}

// FindPendingCancellationReminders returns active rows scheduled to cancel
// within daysBeforeEnd days of now that have not been reminded yet.
func (r *SubscriptionRepository) FindPendingCancellationReminders(ctx context.Context, now time.Time, daysBeforeEnd int) ([]*types.Subscription, error) {
	horizon := now.Add(time.Duration(daysBeforeEnd) * 24 * time.Hour)
	return r.findMany(ctx, "pending cancellation reminders",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE cancel_at_period_end = TRUE
		   AND status = 'active'
		   AND current_period_end <= $1
		   AND cancellation_reminder_sent_at IS NULL
		   AND deleted_at IS NULL
		 ORDER BY current_period_end`,
		horizon,
	)
}

// FindPendingReactions returns rows last changed at or before changedBefore
// whose lifecycle markers show an unfinished subscriber reaction: canceled
// without a grace period, past_due without the payment email, active with
// leftover grace or past-due markers, or a scheduled cancellation that was
// never confirmed.
func (r *SubscriptionRepository) FindPendingReactions(ctx context.Context, changedBefore time.Time) ([]*types.Subscription, error) {
	return r.findMany(ctx, "pending subscriber reactions",
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE updated_at <= $1
		   AND deleted_at IS NULL
		   AND (
		        (status = 'canceled' AND grace_period_ends_at IS NULL)
		     OR (status = 'past_due' AND past_due_notified_at IS NULL)
		     OR (status = 'active' AND (grace_period_ends_at IS NOT NULL OR past_due_notified_at IS NOT NULL))
		     OR (status IN ('active', 'trialing') AND cancel_at_period_end AND cancellation_notified_at IS NULL)
		   )
		 ORDER BY updated_at`,
		changedBefore,
	)
}

// ============================================================
// Lifecycle markers
// ============================================================

func (r *SubscriptionRepository) exec(ctx context.Context, op string, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to "+op, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// StartGracePeriod sets grace_period_ends_at unless a grace period is already
// running. It reports whether the row was changed.
func (r *SubscriptionRepository) StartGracePeriod(ctx context.Context, id string, endsAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions SET grace_period_ends_at = $2, updated_at = NOW()
		 WHERE id = $1 AND grace_period_ends_at IS NULL AND deleted_at IS NULL`,
		id,
		endsAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to start grace period", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearGracePeriod clears the grace period together with the domains-disabled
// marker that depends on it.
func (r *SubscriptionRepository) ClearGracePeriod(ctx context.Context, id string) error {
	return r.exec(ctx, "clear grace period",
		`UPDATE subscriptions SET grace_period_ends_at = NULL, domains_disabled_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
}

// MarkDomainsDisabled records that grace-period expiry side effects ran.
func (r *SubscriptionRepository) MarkDomainsDisabled(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark domains disabled",
		`UPDATE subscriptions SET domains_disabled_at = $2, updated_at = NOW()
		 WHERE id = $1 AND grace_period_ends_at IS NOT NULL AND deleted_at IS NULL`,
		id,
		at,
	)
}

// MarkCancellationNotified records that the cancellation-scheduled email was
// sent.
func (r *SubscriptionRepository) MarkCancellationNotified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark cancellation notified",
		`UPDATE subscriptions SET cancellation_notified_at = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
		at,
	)
}

// MarkCancellationReminderSent records that the pre-cancellation reminder was
// sent.
func (r *SubscriptionRepository) MarkCancellationReminderSent(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark cancellation reminder sent",
		`UPDATE subscriptions SET cancellation_reminder_sent_at = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
		at,
	)
}

// MarkPastDueNotified records that the payment-failed email was sent.
func (r *SubscriptionRepository) MarkPastDueNotified(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark past due notified",
		`UPDATE subscriptions SET past_due_notified_at = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
		at,
	)
}

// ClearCancellationMarkers resets both cancellation notification markers
// after the user resumed renewal.
func (r *SubscriptionRepository) ClearCancellationMarkers(ctx context.Context, id string) error {
	return r.exec(ctx, "clear cancellation markers",
		`UPDATE subscriptions
		 SET cancellation_notified_at = NULL, cancellation_reminder_sent_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
}

// ClearPastDueNotified resets the payment-failed marker once payment
// recovered.
func (r *SubscriptionRepository) ClearPastDueNotified(ctx context.Context, id string) error {
	return r.exec(ctx, "clear past due marker",
		`UPDATE subscriptions SET past_due_notified_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
}
