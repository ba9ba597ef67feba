package external

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"qrcloud/internal/types"
)

// LogEmailProvider writes messages to the log instead of sending them. It is
// selected with EMAIL_PROVIDER=log for local development.
type LogEmailProvider struct {
	logger *slog.Logger
}

// NewLogEmailProvider creates a LogEmailProvider.
func NewLogEmailProvider(logger *slog.Logger) *LogEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmailProvider{logger: logger}
}

// Send logs msg and returns a random message id.
func (p *LogEmailProvider) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	id := uuid.NewString()
	p.logger.InfoContext(ctx, "email suppressed (log provider)",
		"message_id", id,
		"to", msg.To,
		"subject", msg.Subject,
		"tag", msg.Tag,
	)
	return id, nil
}

var _ EmailProvider = (*LogEmailProvider)(nil)
