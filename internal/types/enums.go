package types

// SubscriptionStatus is the provider's subscription status. Outside the
// transition engine it is treated as an opaque string.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// IsLive reports whether the status occupies the user's single subscription
// slot (active, trialing or past_due).
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue:
		return true
	}
	return false
}

// PlanTier identifies the billing plan of a user.
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanStarter  PlanTier = "starter"
	PlanPro      PlanTier = "pro"
	PlanBusiness PlanTier = "business"
)

// EventKind discriminates SubscriptionEvent.
type EventKind string

const (
	EventKindActive          EventKind = "active"
	EventKindCanceled        EventKind = "canceled"
	EventKindPastDue         EventKind = "past_due"
	EventKindCancelInitiated EventKind = "cancel_initiated"
)

// AllEventKinds lists every EventKind, in a stable order.
var AllEventKinds = []EventKind{
	EventKindActive,
	EventKindCanceled,
	EventKindPastDue,
	EventKindCancelInitiated,
}

// Stripe webhook event types handled by the ingestion processor.
const (
	StripeEventCheckoutCompleted = "checkout.session.completed"
	StripeEventSubUpdated        = "customer.subscription.updated"
	StripeEventSubDeleted        = "customer.subscription.deleted"
	StripeEventPaymentFailed     = "invoice.payment_failed"
)

// EmailTemplate names the transactional email sent for a lifecycle moment.
type EmailTemplate string

const (
	EmailSubscriptionActivated EmailTemplate = "subscription_activated"
	EmailSubscriptionCanceled  EmailTemplate = "subscription_canceled"
	EmailPaymentFailed         EmailTemplate = "payment_failed"
	EmailCancellationScheduled EmailTemplate = "cancellation_scheduled"
	EmailCancellationReminder  EmailTemplate = "cancellation_reminder"
	EmailDomainsDisabled       EmailTemplate = "domains_disabled"
)
