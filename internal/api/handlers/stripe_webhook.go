// Package handlers contains the HTTP handler implementations of the qrcloud
// billing API.
//
// The Stripe webhook handler is not behind bearer auth; it is called directly
// by Stripe and authenticated by the Stripe-Signature header.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"qrcloud/internal/core"
	"qrcloud/internal/types"
)

// maxWebhookBodySize bounds a Stripe webhook payload (64 KiB).
const maxWebhookBodySize = 64 * 1024

// WebhookVerifier verifies and parses a signed webhook payload.
type WebhookVerifier interface {
	ConstructWebhookEvent(payload []byte, signature string) (*types.WebhookEvent, error)
}

// WebhookEventHandler applies a verified event. It owns deduplication.
type WebhookEventHandler interface {
	HandleEvent(ctx context.Context, evt *types.WebhookEvent) error
}

// StripeWebhookHandler handles asynchronous events from Stripe.
type StripeWebhookHandler struct {
	verifier  WebhookVerifier
	processor WebhookEventHandler
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(verifier WebhookVerifier, processor WebhookEventHandler, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		logger:    logger,
	}
}

// RegisterRoutes mounts POST /stripe. The caller mounts it under /webhooks,
// outside the authenticated group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

type webhookAck struct {
	Received bool `json:"received"`
}

// Handle processes one Stripe delivery:
//
//  1. Reads the raw body (64 KiB max).
//  2. Verifies the Stripe-Signature header; failure is 401.
//  3. Hands the event to the processor. Any failure is 500 so Stripe
//     redelivers; the processor has already released its dedup claim.
//  4. Acknowledges with 200 {"received":true}.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(ctx, "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing Stripe-Signature header", nil))
		return
	}

	evt, err := h.verifier.ConstructWebhookEvent(payload, sigHeader)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err))
		return
	}

	if err := h.processor.HandleEvent(ctx, evt); err != nil {
		// The processor already logged with event context.
		core.JSON(w, r, http.StatusInternalServerError, core.APIErrorResponse{
			Error: core.ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "webhook processing failed",
				RequestID: types.GetRequestID(ctx),
			},
		})
		return
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}
