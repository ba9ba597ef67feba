package external

import (
	"context"
	"errors"
	"testing"

	"github.com/mrz1836/postmark"

	"qrcloud/internal/types"
)

type fakePostmark struct {
	sent []postmark.Email
	resp postmark.EmailResponse
	err  error
}

func (f *fakePostmark) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	f.sent = append(f.sent, email)
	return f.resp, f.err
}

func TestPostmarkSend_Success(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{MessageID: "pm-1"}}
	client := newPostmarkClientWithAPI(fake, testSender)

	id, err := client.Send(context.Background(), types.EmailMessage{
		To:       "owner@example.com",
		Subject:  "Payment failed",
		HTMLBody: "<p>Update your card</p>",
		TextBody: "Update your card",
		Tag:      string(types.EmailPaymentFailed),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "pm-1" {
		t.Errorf("expected pm-1, got %q", id)
	}

	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.sent))
	}
	got := fake.sent[0]
	if got.From != "QRCloud Billing <billing@qrcloud.example>" || got.To != "owner@example.com" {
		t.Errorf("unexpected envelope %s -> %s", got.From, got.To)
	}
	if got.Tag != "payment_failed" || got.ReplyTo != "support@qrcloud.example" {
		t.Errorf("unexpected tag/reply-to %q %q", got.Tag, got.ReplyTo)
	}
}

func TestPostmarkSend_InactiveRecipient(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 406, Message: "inactive recipient"}}

	_, err := newPostmarkClientWithAPI(fake, testSender).Send(context.Background(), types.EmailMessage{To: "gone@example.com"})

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeEmailBlocked {
		t.Fatalf("expected email_blocked, got %v", err)
	}
}

func TestPostmarkSend_APIErrorCode(t *testing.T) {
	fake := &fakePostmark{resp: postmark.EmailResponse{ErrorCode: 300, Message: "invalid email request"}}

	_, err := newPostmarkClientWithAPI(fake, testSender).Send(context.Background(), types.EmailMessage{To: "a@example.com"})

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeUpstreamEmailProvider {
		t.Fatalf("expected upstream_email_provider_unavailable, got %v", err)
	}
}

func TestPostmarkSend_TransportError(t *testing.T) {
	cause := errors.New("connection reset")
	fake := &fakePostmark{err: cause}

	_, err := newPostmarkClientWithAPI(fake, testSender).Send(context.Background(), types.EmailMessage{To: "a@example.com"})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestNewPostmarkClient_RequiresServerToken(t *testing.T) {
	if _, err := NewPostmarkClient("", "", testSender); err == nil {
		t.Fatal("expected error for missing server token")
	}
}
