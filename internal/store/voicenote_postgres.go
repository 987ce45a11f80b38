package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

var _ VoiceNoteRepo = (*PostgresStore)(nil)

func (s *PostgresStore) InsertVoiceNote(vn *models.VoiceNote) error {
	result, err := s.db.Exec(
		`INSERT INTO voice_notes
		 (id, trial_id, question_index, question_text, media_id, media_url, content_hash,
		  download_status, size_bytes, mime_type, attempts, received_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (trial_id, question_index) DO NOTHING`,
		vn.ID, vn.TrialID, vn.QuestionIndex, vn.QuestionText, vn.MediaID,
		nilIfEmpty(vn.MediaURL), nilIfEmpty(vn.ContentHash),
		vn.DownloadStatus, vn.SizeBytes, nilIfEmpty(vn.MimeType), vn.Attempts,
		vn.ReceivedAt, vn.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore InsertVoiceNote failed", "error", err, "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
		return fmt.Errorf("failed to insert voice note: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("voice note rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore InsertVoiceNote duplicate", "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
		return models.ErrDuplicateVoiceNote
	}
	slog.Debug("PostgresStore InsertVoiceNote succeeded", "id", vn.ID, "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex)
	return nil
}

func (s *PostgresStore) GetVoiceNote(trialID string, questionIndex int) (*models.VoiceNote, error) {
	row := s.db.QueryRow(
		`SELECT `+voiceNoteColumns+` FROM voice_notes WHERE trial_id = $1 AND question_index = $2`,
		trialID, questionIndex,
	)
	vn, err := scanVoiceNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetVoiceNote failed", "error", err, "trialID", trialID, "questionIndex", questionIndex)
		return nil, fmt.Errorf("failed to get voice note: %w", err)
	}
	return &vn, nil
}

func (s *PostgresStore) UpdateVoiceNoteDownload(id string, status models.DownloadStatus, mediaURL, contentHash string, sizeBytes int64, attempts int) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE voice_notes SET download_status = $1, media_url = $2, content_hash = $3,
		 size_bytes = $4, attempts = $5, updated_at = $6 WHERE id = $7`,
		status, nilIfEmpty(mediaURL), nilIfEmpty(contentHash), sizeBytes, attempts, now, id,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateVoiceNoteDownload failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update voice note download: %w", err)
	}
	slog.Debug("PostgresStore UpdateVoiceNoteDownload succeeded", "id", id, "status", status, "attempts", attempts)
	return nil
}

func (s *PostgresStore) ListPendingVoiceNotes(limit int) ([]models.VoiceNote, error) {
	rows, err := s.db.Query(
		`SELECT `+voiceNoteColumns+` FROM voice_notes
		 WHERE download_status = 'pending' ORDER BY received_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListPendingVoiceNotes query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending voice notes: %w", err)
	}
	defer rows.Close()
	return collectVoiceNotes(rows)
}
