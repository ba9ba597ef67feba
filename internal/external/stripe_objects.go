package external

import (
	"encoding/json"
	"fmt"
	"time"

	"qrcloud/internal/types"
)

// Minimal Stripe object shapes. Only the fields the billing lifecycle reads
// are decoded; everything else in the payload is ignored.

// expandableID decodes a Stripe reference that is either a bare id string or
// an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decoding expandable reference: %w", err)
	}
	*e = expandableID(obj.ID)
	return nil
}

// StripeSubscriptionObject is a subscription as returned by the API and
// embedded in customer.subscription.* events.
type StripeSubscriptionObject struct {
	ID                 string                  `json:"id"`
	Customer           expandableID            `json:"customer"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart *int64                  `json:"current_period_start"`
	CurrentPeriodEnd   *int64                  `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
	Metadata           map[string]string       `json:"metadata"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

// Since API version 2025-03-31 the period bounds live on the items.
type stripeSubscriptionItem struct {
	Price              stripePrice `json:"price"`
	CurrentPeriodStart *int64      `json:"current_period_start"`
	CurrentPeriodEnd   *int64      `json:"current_period_end"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSubscriptionList struct {
	Data    []StripeSubscriptionObject `json:"data"`
	HasMore bool                       `json:"has_more"`
}

type stripeSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCustomerSearch struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

// ToProvider maps the object to the domain view. A zero timestamp is treated
// as absent.
func (o *StripeSubscriptionObject) ToProvider() *types.ProviderSubscription {
	ps := &types.ProviderSubscription{
		ID:                o.ID,
		CustomerID:        string(o.Customer),
		Status:            types.SubscriptionStatus(o.Status),
		CancelAtPeriodEnd: o.CancelAtPeriodEnd,
		Metadata:          o.Metadata,
	}

	start, end := o.CurrentPeriodStart, o.CurrentPeriodEnd
	if len(o.Items.Data) > 0 {
		item := o.Items.Data[0]
		ps.PriceID = item.Price.ID
		if start == nil || *start == 0 {
			start = item.CurrentPeriodStart
		}
		if end == nil || *end == 0 {
			end = item.CurrentPeriodEnd
		}
	}
	ps.CurrentPeriodStart = unixPtr(start)
	ps.CurrentPeriodEnd = unixPtr(end)

	return ps
}

func unixPtr(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

// ParseSubscription decodes a customer.subscription.* data.object.
func ParseSubscription(raw json.RawMessage) (*types.ProviderSubscription, error) {
	var obj StripeSubscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding stripe subscription object: %w", err)
	}
	return obj.ToProvider(), nil
}

// CheckoutSession is the part of a checkout.session.completed object the
// lifecycle needs.
type CheckoutSession struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	// UserID comes from metadata, falling back to client_reference_id.
	UserID string
}

type stripeCheckoutSessionObject struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// ParseCheckoutSession decodes a checkout.session.completed data.object.
func ParseCheckoutSession(raw json.RawMessage) (*CheckoutSession, error) {
	var obj stripeCheckoutSessionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding stripe checkout session: %w", err)
	}

	userID := obj.Metadata[types.MetadataUserIDKey]
	if userID == "" {
		userID = obj.ClientReferenceID
	}

	return &CheckoutSession{
		ID:             obj.ID,
		CustomerID:     string(obj.Customer),
		SubscriptionID: string(obj.Subscription),
		UserID:         userID,
	}, nil
}

// Invoice is the part of an invoice.* object the lifecycle needs.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
}

type stripeInvoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	// Newer API versions moved the subscription reference under parent.
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// ParseInvoice decodes an invoice.* data.object.
func ParseInvoice(raw json.RawMessage) (*Invoice, error) {
	var obj stripeInvoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding stripe invoice: %w", err)
	}

	subID := string(obj.Subscription)
	if subID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
		subID = string(obj.Parent.SubscriptionDetails.Subscription)
	}

	return &Invoice{
		ID:             obj.ID,
		CustomerID:     string(obj.Customer),
		SubscriptionID: subID,
	}, nil
}
