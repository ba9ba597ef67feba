package external

import (
	"context"
	"fmt"

	"github.com/mrz1836/postmark"

	"qrcloud/internal/types"
)

// postmarkAPI is the subset of *postmark.Client used by PostmarkClient.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// PostmarkClient implements EmailProvider using Postmark's transactional API.
type PostmarkClient struct {
	api    postmarkAPI
	sender SenderConfig
}

// NewPostmarkClient creates a Postmark-backed EmailProvider.
func NewPostmarkClient(serverToken, accountToken string, sender SenderConfig) (*PostmarkClient, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("postmark: server token is required")
	}
	return newPostmarkClientWithAPI(postmark.NewClient(serverToken, accountToken), sender), nil
}

func newPostmarkClientWithAPI(api postmarkAPI, sender SenderConfig) *PostmarkClient {
	return &PostmarkClient{api: api, sender: sender}
}

// Send delivers msg. Opens and HTML links are tracked; plain text is not.
func (c *PostmarkClient) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	resp, err := c.api.SendEmail(ctx, postmark.Email{
		From:       c.sender.from(),
		ReplyTo:    c.sender.ReplyTo,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTMLBody,
		TextBody:   msg.TextBody,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "postmark send failed", err)
	}

	switch {
	case resp.ErrorCode == 0:
		return resp.MessageID, nil
	// 406: inactive recipient (bounced or unsubscribed).
	case resp.ErrorCode == 406:
		return "", types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("postmark: %s", resp.Message), nil)
	default:
		return "", types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("postmark error: %d - %s", resp.ErrorCode, resp.Message),
			nil,
		)
	}
}

var _ EmailProvider = (*PostmarkClient)(nil)
