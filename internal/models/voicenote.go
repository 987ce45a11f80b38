// Package models defines voice note structures for the Virasat fulfillment engine.
package models

import "time"

// DownloadStatus represents the materialization state of a voice note's media.
type DownloadStatus string

const (
	// DownloadStatusPending means the inbound event was accepted but the media
	// bytes have not been fetched yet.
	DownloadStatusPending DownloadStatus = "pending"
	// DownloadStatusDownloaded means the media was fetched, hashed, and uploaded
	// to durable storage.
	DownloadStatusDownloaded DownloadStatus = "downloaded"
	// DownloadStatusFailed means all download attempts were exhausted. The row
	// is kept for out-of-band reconciliation; it never blocks the conversation.
	DownloadStatusFailed DownloadStatus = "failed"
)

// MaxDownloadAttempts bounds how many times the ingestion worker retries a
// media download before marking the voice note failed.
const MaxDownloadAttempts = 5

// VoiceNote represents one recorded answer to one album question.
//
// At most one voice note exists per (trial id, question index); the first
// accepted answer is authoritative and resends are rejected as duplicates.
type VoiceNote struct {
	ID            string         `json:"id"`
	TrialID       string         `json:"trial_id"`
	QuestionIndex int            `json:"question_index"`
	// QuestionText is denormalized at send time because album content may be
	// edited after the question went out.
	QuestionText   string         `json:"question_text"`
	MediaID        string         `json:"media_id"`
	MediaURL       string         `json:"media_url,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	DownloadStatus DownloadStatus `json:"download_status"`
	SizeBytes      int64          `json:"size_bytes"`
	MimeType       string         `json:"mime_type"`
	Attempts       int            `json:"attempts"`
	ReceivedAt     time.Time      `json:"received_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
