package external

import (
	"context"

	"qrcloud/internal/types"
)

// ---------------------------------------------------------------------------
// Billing Provider (Stripe)
// ---------------------------------------------------------------------------

// BillingProvider is the billing system of record. Implementations translate
// between domain types and the vendor API.
type BillingProvider interface {
	// GetSubscription fetches the authoritative subscription object.
	GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error)

	// ListActiveSubscriptions returns every subscription in an active,
	// trialing or past_due state.
	ListActiveSubscriptions(ctx context.Context) ([]*types.ProviderSubscription, error)

	// ConstructWebhookEvent verifies the signature header against the raw
	// payload and parses the event envelope.
	ConstructWebhookEvent(payload []byte, signature string) (*types.WebhookEvent, error)

	// CreateCheckoutSession starts a hosted checkout for a subscription.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession returns a self-serve billing portal URL.
	CreatePortalSession(ctx context.Context, customerID string, returnURL string) (portalURL string, err error)

	// FindOrCreateCustomer returns the customer tagged with userID, creating
	// it when none exists.
	FindOrCreateCustomer(ctx context.Context, userID string, email string) (customerID string, err error)
}

// CheckoutSessionParams describes a subscription checkout.
type CheckoutSessionParams struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// ---------------------------------------------------------------------------
// Email
// ---------------------------------------------------------------------------

// EmailProvider delivers pre-rendered transactional email.
type EmailProvider interface {
	// Send returns the provider's message id.
	Send(ctx context.Context, msg types.EmailMessage) (providerMsgID string, err error)
}
