package types

import (
	"encoding/json"
	"time"
)

// Subscription is the local record of a user's subscription. There is at most
// one non-deleted row per user and one row per provider subscription.
type Subscription struct {
	ID                         string             `json:"id"`
	UserID                     string             `json:"user_id"`
	ProviderCustomerID         string             `json:"provider_customer_id"`
	ProviderSubscriptionID     string             `json:"provider_subscription_id"`
	PriceID                    string             `json:"price_id"`
	Status                     SubscriptionStatus `json:"status"`
	CurrentPeriodStart         time.Time          `json:"current_period_start"`
	CurrentPeriodEnd           time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd          bool               `json:"cancel_at_period_end"`
	GracePeriodEndsAt          *time.Time         `json:"grace_period_ends_at,omitempty"`
	DomainsDisabledAt          *time.Time         `json:"domains_disabled_at,omitempty"`
	CancellationNotifiedAt     *time.Time         `json:"cancellation_notified_at,omitempty"`
	CancellationReminderSentAt *time.Time         `json:"cancellation_reminder_sent_at,omitempty"`
	PastDueNotifiedAt          *time.Time         `json:"past_due_notified_at,omitempty"`
	CreatedAt                  time.Time          `json:"created_at"`
	UpdatedAt                  time.Time          `json:"updated_at"`
}

// SubscriptionPatch is a partial update of provider-sourced fields. Nil
// fields are left untouched by the store.
type SubscriptionPatch struct {
	Status             *SubscriptionStatus
	PriceID            *string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool

	// Provider ids are only replaced when a canceled row is reused for a
	// newly discovered provider subscription.
	ProviderCustomerID     *string
	ProviderSubscriptionID *string
}

// IsEmpty reports whether the patch changes nothing.
func (p SubscriptionPatch) IsEmpty() bool {
	return p.Status == nil && p.PriceID == nil && p.CurrentPeriodStart == nil &&
		p.CurrentPeriodEnd == nil && p.CancelAtPeriodEnd == nil &&
		p.ProviderCustomerID == nil && p.ProviderSubscriptionID == nil
}

// Apply returns a copy of sub with the patch applied.
func (p SubscriptionPatch) Apply(sub Subscription) Subscription {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.PriceID != nil {
		sub.PriceID = *p.PriceID
	}
	if p.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *p.CurrentPeriodEnd
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.ProviderCustomerID != nil {
		sub.ProviderCustomerID = *p.ProviderCustomerID
	}
	if p.ProviderSubscriptionID != nil {
		sub.ProviderSubscriptionID = *p.ProviderSubscriptionID
	}
	return sub
}

// ProviderSubscription is the billing provider's view of a subscription.
// Period bounds are nil when the provider payload omitted them.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
}

// MetadataUserIDKey is the metadata key carrying the owning user id on
// checkout sessions and subscriptions.
const MetadataUserIDKey = "userId"

// UserID returns the owning user id recorded in provider metadata.
func (s *ProviderSubscription) UserID() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return s.Metadata[MetadataUserIDKey]
}

// HasPeriod reports whether both period bounds are present.
func (s *ProviderSubscription) HasPeriod() bool {
	return s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil
}

// WebhookEvent is a verified provider webhook event.
type WebhookEvent struct {
	ID      string
	Type    string
	Created time.Time
	// Object is the raw data.object payload.
	Object json.RawMessage
}

// SubscriptionEvent is the domain event emitted on lifecycle transitions.
// Every kind shares the same payload shape.
type SubscriptionEvent struct {
	Kind                   EventKind `json:"kind"`
	UserID                 string    `json:"user_id"`
	Email                  string    `json:"email"`
	FirstName              string    `json:"first_name"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	PriceID                string    `json:"price_id"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// UserIdentity is the contact information of a user.
type UserIdentity struct {
	ID        string
	Email     string
	FirstName string
}

// PlanLimits are the resource limits granted by a plan. Zero means unlimited
// for every field except on the free plan.
type PlanLimits struct {
	MaxQRCodes       int  `json:"max_qr_codes"`
	MaxShortLinks    int  `json:"max_short_links"`
	MaxCustomDomains int  `json:"max_custom_domains"`
	AllowTemplates   bool `json:"allow_templates"`
}

// UserPlan is the resolved plan of a user, cached per user.
type UserPlan struct {
	UserID     string             `json:"user_id"`
	Tier       PlanTier           `json:"tier"`
	Status     SubscriptionStatus `json:"status,omitempty"`
	PriceID    string             `json:"price_id,omitempty"`
	Limits     PlanLimits         `json:"limits"`
	ResolvedAt time.Time          `json:"resolved_at"`
}

// EmailMessage is a rendered transactional email.
type EmailMessage struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
	Tag      string
}
