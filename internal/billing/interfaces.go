package billing

import (
	"context"
	"time"

	"qrcloud/internal/email"
	"qrcloud/internal/types"
)

// SubscriptionStore is the durable subscription record. Lookups return
// (nil, nil) when no row matches.
type SubscriptionStore interface {
	FindByUserID(ctx context.Context, userID string) (*types.Subscription, error)
	FindByProviderSubscriptionID(ctx context.Context, providerSubscriptionID string) (*types.Subscription, error)
	UpsertByProviderSubscriptionID(ctx context.Context, sub *types.Subscription) (*types.Subscription, error)
	Update(ctx context.Context, id string, patch types.SubscriptionPatch) error

	FindAllNonCanceled(ctx context.Context) ([]*types.Subscription, error)
	FindExpiredUnprocessedGracePeriods(ctx context.Context, now time.Time) ([]*types.Subscription, error)
	FindPendingCancellationReminders(ctx context.Context, now time.Time, daysBeforeEnd int) ([]*types.Subscription, error)
	FindPendingReactions(ctx context.Context, changedBefore time.Time) ([]*types.Subscription, error)

	StartGracePeriod(ctx context.Context, id string, endsAt time.Time) (bool, error)
	ClearGracePeriod(ctx context.Context, id string) error
	MarkDomainsDisabled(ctx context.Context, id string, at time.Time) error
	MarkCancellationNotified(ctx context.Context, id string, at time.Time) error
	MarkCancellationReminderSent(ctx context.Context, id string, at time.Time) error
	MarkPastDueNotified(ctx context.Context, id string, at time.Time) error
	ClearCancellationMarkers(ctx context.Context, id string) error
	ClearPastDueNotified(ctx context.Context, id string) error
}

// UserDirectory resolves user contact details.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*types.UserIdentity, error)
}

// DomainManager enables and disables a user's custom domains.
type DomainManager interface {
	DisableAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	EnableAllForUser(ctx context.Context, userID string) (int64, error)
}

// SubscriptionSource is the read side of the billing provider.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]*types.ProviderSubscription, error)
}

// KeyValueCache is the shared cache used for dedup claims and the plan cache.
type KeyValueCache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// EventPublisher emits subscription events.
type EventPublisher interface {
	Publish(ctx context.Context, evt types.SubscriptionEvent) error
}

// Mailer sends a templated email.
type Mailer interface {
	Send(ctx context.Context, to string, tmpl types.EmailTemplate, data email.Data) error
}
