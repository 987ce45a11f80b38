package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/twiliowhatsapp"
)

func TestTwilioValidateAndCanonicalizeRecipient(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+91 98765 43210", "919876543210", false},
		{"919876543210", "919876543210", false},
		{"whatsapp:+919876543210", "919876543210", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tt := range tests {
		got, err := s.ValidateAndCanonicalizeRecipient(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTwilioSendMessageEmitsReceipt(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)

	if err := s.SendMessage(context.Background(), "+91 98765 43210", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "919876543210" {
		t.Fatalf("unexpected sent messages %+v", mock.SentMessages)
	}

	select {
	case receipt := <-s.Receipts():
		if receipt.To != "919876543210" || receipt.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", receipt)
		}
	default:
		t.Error("expected a sent receipt")
	}
}

func TestTwilioSendMessageAfterStop(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.SendMessage(context.Background(), "919876543210", "hello"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func postTwilioForm(t *testing.T, s *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookTextMessage(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+919812345678")
	form.Set("Body", "haan")
	rec := postTwilioForm(t, s, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-s.Messages():
		if msg.From != "whatsapp:+919812345678" || msg.Body != "haan" || msg.HasMedia() {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Error("expected inbound message emitted")
	}
}

func TestTwilioWebhookVoiceNote(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+919812345678")
	form.Set("MediaUrl0", "https://api.twilio.example/media/ME123")
	form.Set("MediaContentType0", "audio/ogg")
	rec := postTwilioForm(t, s, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-s.Messages():
		if !msg.HasMedia() || msg.MediaID != "https://api.twilio.example/media/ME123" || msg.MimeType != "audio/ogg" {
			t.Errorf("unexpected message %+v", msg)
		}
	default:
		t.Error("expected inbound media message emitted")
	}
}

func TestTwilioWebhookMissingFields(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+919812345678")
	rec := postTwilioForm(t, s, form)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for webhook without body or media, got %d", rec.Code)
	}
}

func TestTwilioDownloadMediaRequiresFullClient(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if _, _, err := s.DownloadMedia(context.Background(), "https://api.twilio.example/media/ME1"); err == nil {
		t.Error("expected error for media download with mock client")
	}
}
