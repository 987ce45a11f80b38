// Package models defines the core data structures for the Virasat fulfillment engine.
//
// It includes trials, voice notes, albums, and payment orders, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Language represents a storyteller's language preference.
type Language string

const (
	// LanguageEnglish selects English question text.
	LanguageEnglish Language = "en"
	// LanguageHindi selects Hindi question text.
	LanguageHindi Language = "hn"
)

// IsValidLanguage checks if the given language is supported.
func IsValidLanguage(l Language) bool {
	switch l {
	case LanguageEnglish, LanguageHindi:
		return true
	default:
		return false
	}
}

// TrialState represents where a trial sits in the conversation lifecycle.
type TrialState string

const (
	// TrialStateAwaitingInitialContact means the trial exists but no message has been sent yet.
	TrialStateAwaitingInitialContact TrialState = "awaiting_initial_contact"
	// TrialStateAwaitingReadiness means the readiness question was asked and no affirmative reply has arrived.
	TrialStateAwaitingReadiness TrialState = "awaiting_readiness"
	// TrialStateReady means the storyteller confirmed readiness and the first question is about to go out.
	TrialStateReady TrialState = "ready"
	// TrialStateInProgress means questions are being delivered and answered.
	TrialStateInProgress TrialState = "in_progress"
	// TrialStateCompleted is terminal: every question has an accepted answer.
	TrialStateCompleted TrialState = "completed"
)

// IsValidTrialState checks if the given trial state is supported.
func IsValidTrialState(s TrialState) bool {
	switch s {
	case TrialStateAwaitingInitialContact, TrialStateAwaitingReadiness,
		TrialStateReady, TrialStateInProgress, TrialStateCompleted:
		return true
	default:
		return false
	}
}

// Readiness retry policy constants.
const (
	// MaxReadinessRetries caps how many times the readiness question is re-asked
	// before the trial is flagged for human follow-up.
	MaxReadinessRetries = 3
	// ReadinessRetryBase is the backoff base for readiness retries (base * 2^retryCount).
	ReadinessRetryBase = 4 * time.Hour
	// QuestionResponseWindow is how long the engine waits for an answer before
	// sending the single per-question reminder.
	QuestionResponseWindow = 24 * time.Hour
)

// Error variables for better error handling and testability
var (
	ErrEmptyBuyerPhone       = errors.New("buyer phone cannot be empty")
	ErrEmptyStorytellerName  = errors.New("storyteller name cannot be empty")
	ErrEmptyAlbumID          = errors.New("album id cannot be empty")
	ErrInvalidLanguage       = errors.New("invalid language preference")
	ErrTrialNotFound         = errors.New("trial not found")
	ErrAlbumNotFound         = errors.New("album not found")
	ErrAlbumInactive         = errors.New("album is not active")
	ErrDuplicateVoiceNote    = errors.New("voice note already exists for this question")
	ErrQuestionIndexMismatch = errors.New("voice note question index does not match trial cursor")
	ErrOrderNotFound         = errors.New("payment order not found")
	ErrOrderAlreadyTerminal  = errors.New("payment order is already in a terminal state")
	ErrStaleTrialVersion     = errors.New("trial was modified concurrently")
)

// Trial represents one storyteller's free-trial engagement.
type Trial struct {
	ID              string     `json:"id"`
	BuyerPhone      string     `json:"buyer_phone"`
	BuyerName       string     `json:"buyer_name,omitempty"`
	StorytellerName string     `json:"storyteller_name"`
	StorytellerPhone string    `json:"storyteller_phone,omitempty"` // acquired after initial contact
	AlbumID         string     `json:"album_id"`
	Language        Language   `json:"language"`
	State           TrialState `json:"state"`

	WelcomeSentAt            *time.Time `json:"welcome_sent_at,omitempty"`
	ReadinessAskedAt         *time.Time `json:"readiness_asked_at,omitempty"`
	RetryReadinessAt         *time.Time `json:"retry_readiness_at,omitempty"`
	RetryCount               int        `json:"retry_count"`
	LastReadinessResponse    string     `json:"last_readiness_response,omitempty"`
	LastQuestionSentAt       *time.Time `json:"last_question_sent_at,omitempty"`
	ReminderSentAt           *time.Time `json:"reminder_sent_at,omitempty"`
	NextQuestionScheduledFor *time.Time `json:"next_question_scheduled_for,omitempty"`

	// CurrentQuestionIndex is the zero-based cursor into the album's question
	// list. It never decreases and only advances after a voice note for the
	// current index is durably persisted.
	CurrentQuestionIndex int `json:"current_question_index"`

	// NeedsAttention marks trials that exhausted the readiness retry budget
	// and are waiting on human follow-up.
	NeedsAttention bool `json:"needs_attention"`

	// Version is bumped on every write and used for optimistic claims by the
	// dispatcher so overlapping scans cannot double-send.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to create a trial.
func (t *Trial) Validate() error {
	if t.BuyerPhone == "" {
		return ErrEmptyBuyerPhone
	}
	if t.StorytellerName == "" {
		return ErrEmptyStorytellerName
	}
	if t.AlbumID == "" {
		return ErrEmptyAlbumID
	}
	if !IsValidLanguage(t.Language) {
		return ErrInvalidLanguage
	}
	return nil
}

// InboundMessage represents an incoming event from the messaging platform.
// Text replies carry Body; voice notes carry MediaID and MimeType.
type InboundMessage struct {
	From     string `json:"from"`
	Body     string `json:"body,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Time     int64  `json:"time"`
}

// HasMedia reports whether the inbound message carries a media reference.
func (m InboundMessage) HasMedia() bool {
	return m.MediaID != ""
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the delivery status of a message sent to a phone number.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}
