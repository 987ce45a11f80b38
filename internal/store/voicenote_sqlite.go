package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// Compile-time check that SQLiteStore implements VoiceNoteRepo.
var _ VoiceNoteRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) InsertVoiceNote(vn *models.VoiceNote) error {
	// INSERT OR IGNORE plus RowsAffected makes the uniqueness check atomic:
	// the first writer wins and every concurrent resend sees zero rows.
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO voice_notes
		 (id, trial_id, question_index, question_text, media_id, media_url, content_hash,
		  download_status, size_bytes, mime_type, attempts, received_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vn.ID, vn.TrialID, vn.QuestionIndex, vn.QuestionText, vn.MediaID,
		nilIfEmpty(vn.MediaURL), nilIfEmpty(vn.ContentHash),
		vn.DownloadStatus, vn.SizeBytes, nilIfEmpty(vn.MimeType), vn.Attempts,
		vn.ReceivedAt, vn.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore InsertVoiceNote failed", "error", err, "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
		return fmt.Errorf("failed to insert voice note: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("voice note rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore InsertVoiceNote duplicate", "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
		return models.ErrDuplicateVoiceNote
	}
	slog.Debug("SQLiteStore InsertVoiceNote succeeded", "id", vn.ID, "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
	return nil
}

func (s *SQLiteStore) GetVoiceNote(trialID string, questionIndex int) (*models.VoiceNote, error) {
	row := s.db.QueryRow(
		`SELECT `+voiceNoteColumns+` FROM voice_notes WHERE trial_id = ? AND question_index = ?`,
		trialID, questionIndex,
	)
	vn, err := scanVoiceNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetVoiceNote failed", "error", err, "trialID", trialID, "questionIndex", questionIndex)
		return nil, fmt.Errorf("failed to get voice note: %w", err)
	}
	return &vn, nil
}

func (s *SQLiteStore) UpdateVoiceNoteDownload(id string, status models.DownloadStatus, mediaURL, contentHash string, sizeBytes int64, attempts int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE voice_notes SET download_status = ?, media_url = ?, content_hash = ?,
		 size_bytes = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		status, nilIfEmpty(mediaURL), nilIfEmpty(contentHash), sizeBytes, attempts, now, id,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateVoiceNoteDownload failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update voice note download: %w", err)
	}
	slog.Debug("SQLiteStore UpdateVoiceNoteDownload succeeded", "id", id, "status", status, "attempts", attempts)
	return nil
}

func (s *SQLiteStore) ListPendingVoiceNotes(limit int) ([]models.VoiceNote, error) {
	rows, err := s.db.Query(
		`SELECT `+voiceNoteColumns+` FROM voice_notes
		 WHERE download_status = 'pending' ORDER BY received_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListPendingVoiceNotes query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending voice notes: %w", err)
	}
	defer rows.Close()
	return collectVoiceNotes(rows)
}
