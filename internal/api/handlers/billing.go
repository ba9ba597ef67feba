package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qrcloud/internal/core"
	"qrcloud/internal/external"
	"qrcloud/internal/types"
)

// --- Service Interfaces ---
//
// Defined here so the handler depends only on the contract it uses.

// CheckoutProvider is the write side of the billing provider.
type CheckoutProvider interface {
	FindOrCreateCustomer(ctx context.Context, userID string, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params external.CheckoutSessionParams) (checkoutURL string, sessionID string, err error)
	CreatePortalSession(ctx context.Context, customerID string, returnURL string) (string, error)
}

// SubscriptionReader reads the local subscription record. A missing row is
// (nil, nil).
type SubscriptionReader interface {
	FindByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// UserReader resolves user contact details. A missing user is (nil, nil).
type UserReader interface {
	GetUser(ctx context.Context, userID string) (*types.UserIdentity, error)
}

// PlanResolver resolves a user's effective plan.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID string) (*types.UserPlan, error)
}

// PriceCatalog reports which price ids are sold.
type PriceCatalog interface {
	KnownPrice(priceID string) bool
	PlanName(priceID string) string
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the body of POST /v1/billing/checkout. Omitted
// redirect URLs default to the dashboard billing page.
type CreateCheckoutRequest struct {
	PriceID    string `json:"price_id" validate:"required,stripe_price"`
	SuccessURL string `json:"success_url" validate:"omitempty,redirect_url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,redirect_url"`
}

// CheckoutResponse is the response of POST /v1/billing/checkout.
type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// CreatePortalRequest is the body of POST /v1/billing/portal.
type CreatePortalRequest struct {
	ReturnURL string `json:"return_url" validate:"omitempty,redirect_url"`
}

// PortalResponse is the response of POST /v1/billing/portal.
type PortalResponse struct {
	URL string `json:"url"`
}

// SubscriptionResponse is the client view of the local subscription row.
type SubscriptionResponse struct {
	Status             types.SubscriptionStatus `json:"status"`
	PriceID            string                   `json:"price_id"`
	PlanName           string                   `json:"plan_name"`
	CurrentPeriodStart time.Time                `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                `json:"current_period_end"`
	CancelAtPeriodEnd  bool                     `json:"cancel_at_period_end"`
	GracePeriodEndsAt  *time.Time               `json:"grace_period_ends_at,omitempty"`
	DomainsDisabledAt  *time.Time               `json:"domains_disabled_at,omitempty"`
}

// --- Billing Handler ---

// BillingHandler handles synchronous billing actions requested by the
// product backend on behalf of a user.
type BillingHandler struct {
	provider     CheckoutProvider
	subs         SubscriptionReader
	users        UserReader
	plans        PlanResolver
	catalog      PriceCatalog
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler. dashboardURL has no trailing
// slash and roots the default redirect URLs.
func NewBillingHandler(
	provider CheckoutProvider,
	subs SubscriptionReader,
	users UserReader,
	plans PlanResolver,
	catalog PriceCatalog,
	v *core.Validator,
	dashboardURL string,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		provider:     provider,
		subs:         subs,
		users:        users,
		plans:        plans,
		catalog:      catalog,
		validator:    v,
		dashboardURL: strings.TrimRight(dashboardURL, "/"),
		logger:       l,
	}
}

// RegisterRoutes mounts the billing endpoints. Auth middleware is applied by
// the parent router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckoutSession)
		r.Post("/portal", h.CreatePortalSession)
		r.Get("/subscription", h.GetSubscription)
		r.Get("/plan", h.GetPlan)
	})
}

// requestUserID returns the end user the caller acts for.
func requestUserID(r *http.Request) (string, error) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil)
	}
	if actor.ID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "X-User-Id header is required", nil)
	}
	return actor.ID, nil
}

func (h *BillingHandler) billingPageURL(query string) string {
	u := h.dashboardURL + "/settings/billing"
	if query != "" {
		u += "?" + query
	}
	return u
}

// CreateCheckoutSession handles POST /v1/billing/checkout.
//
//  1. Decode and validate the request; the price must be one we sell.
//  2. Reject users whose subscription is active, trialing or past_due (409).
//     Plan changes go through the portal.
//  3. Reuse the customer on the user's row, otherwise find or create one
//     tagged with the user id.
//  4. Create the session with the user id in metadata so webhooks and
//     reconciliation can resolve the owner.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := requestUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if !h.catalog.KnownPrice(req.PriceID) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPrice,
			"price_id is not a sold plan",
			nil,
			map[string]any{"price_id": req.PriceID},
		))
		return
	}

	existing, err := h.subs.FindByUserID(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load subscription", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return
	}
	if existing != nil && existing.Status.IsLive() {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeConflictSubscriptionExists,
			"user already has a subscription; use the billing portal to change plans",
			nil,
			map[string]any{"status": string(existing.Status)},
		))
		return
	}

	customerID := ""
	if existing != nil {
		customerID = existing.ProviderCustomerID
	}
	if customerID == "" {
		user, err := h.users.GetUser(ctx, userID)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		if user == nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))
			return
		}
		customerID, err = h.provider.FindOrCreateCustomer(ctx, userID, user.Email)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to ensure stripe customer", "user_id", userID, "error", err)
			core.Error(w, r, err)
			return
		}
	}

	params := external.CheckoutSessionParams{
		UserID:     userID,
		CustomerID: customerID,
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}
	if params.SuccessURL == "" {
		params.SuccessURL = h.billingPageURL("checkout=success")
	}
	if params.CancelURL == "" {
		params.CancelURL = h.billingPageURL("checkout=canceled")
	}

	checkoutURL, sessionID, err := h.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create checkout session",
			"user_id", userID,
			"price_id", req.PriceID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "billing.checkout.created",
		"user_id", userID,
		"price_id", req.PriceID,
		"session_id", sessionID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{URL: checkoutURL, SessionID: sessionID}})
}

// CreatePortalSession handles POST /v1/billing/portal. An empty body is
// accepted and returns to the dashboard billing page.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := requestUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreatePortalRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	sub, err := h.subs.FindByUserID(ctx, userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub == nil || sub.ProviderCustomerID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundCustomer, "user has no billing account", nil))
		return
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.billingPageURL("")
	}

	portalURL, err := h.provider.CreatePortalSession(ctx, sub.ProviderCustomerID, returnURL)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create portal session", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PortalResponse{URL: portalURL}})
}

// GetSubscription handles GET /v1/billing/subscription.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.subs.FindByUserID(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for user", nil))
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: SubscriptionResponse{
		Status:             sub.Status,
		PriceID:            sub.PriceID,
		PlanName:           h.catalog.PlanName(sub.PriceID),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		GracePeriodEndsAt:  sub.GracePeriodEndsAt,
		DomainsDisabledAt:  sub.DomainsDisabledAt,
	}})
}

// GetPlan handles GET /v1/billing/plan.
func (h *BillingHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	userID, err := requestUserID(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	plan, err := h.plans.ResolvePlan(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to resolve plan", "user_id", userID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plan})
}
