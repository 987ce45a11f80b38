// Package ingest accepts inbound voice notes and materializes their media.
//
// Acceptance and materialization are decoupled: Ingest persists a pending row
// and returns immediately, then the download worker fetches the bytes from
// the messaging platform, hashes them, and uploads them to durable storage.
// Webhook handlers therefore never wait on object storage.
package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
	"github.com/virasat-app/virasat/internal/util"
)

// Pipeline accepts voice notes for persistence.
type Pipeline struct {
	repo store.VoiceNoteRepo
}

// NewPipeline creates a voice note ingest pipeline.
func NewPipeline(repo store.VoiceNoteRepo) *Pipeline {
	return &Pipeline{repo: repo}
}

// Ingest persists a voice note row in pending state. The first accepted
// answer for a (trial, question index) pair wins; later attempts return
// models.ErrDuplicateVoiceNote and leave the original untouched.
func (p *Pipeline) Ingest(trialID string, questionIndex int, questionText, mediaID, mimeType string) (*models.VoiceNote, error) {
	if trialID == "" {
		return nil, fmt.Errorf("trial ID cannot be empty")
	}
	if mediaID == "" {
		return nil, fmt.Errorf("media ID cannot be empty")
	}

	now := time.Now()
	vn := &models.VoiceNote{
		ID:             util.GenerateVoiceNoteID(),
		TrialID:        trialID,
		QuestionIndex:  questionIndex,
		QuestionText:   questionText,
		MediaID:        mediaID,
		MimeType:       mimeType,
		DownloadStatus: models.DownloadStatusPending,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}

	if err := p.repo.InsertVoiceNote(vn); err != nil {
		if err == models.ErrDuplicateVoiceNote {
			slog.Info("Pipeline.Ingest duplicate voice note", "trialID", trialID, "questionIndex", questionIndex)
			return nil, err
		}
		slog.Error("Pipeline.Ingest insert failed", "error", err, "trialID", trialID, "questionIndex", questionIndex)
		return nil, fmt.Errorf("failed to ingest voice note: %w", err)
	}
	slog.Info("Pipeline.Ingest voice note accepted", "id", vn.ID, "trialID", trialID, "questionIndex", questionIndex)
	return vn, nil
}

// objectExtension picks a filename extension from the voice note MIME type.
func objectExtension(mimeType string) string {
	base := mimeType
	if i := strings.Index(base, ";"); i >= 0 {
		base = base[:i]
	}
	switch strings.TrimSpace(base) {
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/m4a":
		return ".m4a"
	case "audio/amr":
		return ".amr"
	default:
		return ".bin"
	}
}
