package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"qrcloud/internal/types"
)

// ErrNoRecipient is returned when a message has no destination address.
var ErrNoRecipient = errors.New("email: no recipient address")

// Provider delivers a rendered message and returns the provider message id.
type Provider interface {
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}

// Mailer renders a template and hands it to the configured Provider.
type Mailer struct {
	renderer *Renderer
	provider Provider
	logger   *slog.Logger
}

// NewMailer creates a Mailer.
func NewMailer(renderer *Renderer, provider Provider, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{renderer: renderer, provider: provider, logger: logger}
}

// Send renders tmpl and delivers it to to. The returned error is nil only
// when the provider accepted the message.
func (m *Mailer) Send(ctx context.Context, to string, tmpl types.EmailTemplate, data Data) error {
	if to == "" {
		return ErrNoRecipient
	}

	rendered, err := m.renderer.Render(tmpl, data)
	if err != nil {
		return err
	}

	msgID, err := m.provider.Send(ctx, types.EmailMessage{
		To:       to,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
		TextBody: rendered.TextBody,
		Tag:      string(tmpl),
	})
	if err != nil {
		return fmt.Errorf("sending %s email: %w", tmpl, err)
	}

	m.logger.InfoContext(ctx, "email sent", "template", string(tmpl), "message_id", msgID)
	return nil
}
