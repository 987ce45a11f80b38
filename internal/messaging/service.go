// Package messaging provides pluggable message transports for Virasat.
//
// Two transports are supported: a live Whatsmeow-based WhatsApp client and
// Twilio's WhatsApp API. Both surface inbound events on a channel and expose
// media download for the ingest worker.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips every non-digit character during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages and provides channels for receipt and inbound
// message events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	// This allows each service to implement its own recipient validation rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Messages returns a channel of inbound messages, both text replies and
	// voice notes.
	Messages() <-chan models.InboundMessage
}

// MediaDownloader fetches the raw bytes of an inbound media reference. The
// ingest worker uses this after accepting a voice note.
type MediaDownloader interface {
	// DownloadMedia returns the media bytes and content type for a media ID
	// previously surfaced on the Messages channel.
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error)
}

// canonicalizePhone removes all non-numeric characters and validates the
// result has at least 6 digits. Shared by both transports.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
