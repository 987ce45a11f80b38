package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// trialColumns is the canonical column list shared by all trial queries.
const trialColumns = `id, buyer_phone, buyer_name, storyteller_name, storyteller_phone,
	album_id, language, state,
	welcome_sent_at, readiness_asked_at, retry_readiness_at, retry_count,
	last_readiness_response, last_question_sent_at, reminder_sent_at, next_question_scheduled_for,
	current_question_index, needs_attention, version, created_at, updated_at`

// voiceNoteColumns is the canonical column list shared by all voice note queries.
const voiceNoteColumns = `id, trial_id, question_index, question_text, media_id,
	media_url, content_hash, download_status, size_bytes, mime_type, attempts, received_at, updated_at`

// orderColumns is the canonical column list shared by all payment order queries.
const orderColumns = `merchant_order_id, trial_id, amount_paise, state, transaction_id, created_at, updated_at`

// orderColumnsPrefixed qualifies every order column with a table alias for
// queries that join payment_orders against trials.
func orderColumnsPrefixed(alias string) string {
	return alias + `.merchant_order_id, ` + alias + `.trial_id, ` + alias + `.amount_paise, ` +
		alias + `.state, ` + alias + `.transaction_id, ` + alias + `.created_at, ` + alias + `.updated_at`
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTrial scans a Trial from a row or rows cursor.
func scanTrial(row rowScanner) (models.Trial, error) {
	var t models.Trial
	var buyerName, storytellerPhone, lastReadiness sql.NullString
	var welcomeSentAt, readinessAskedAt, retryReadinessAt sql.NullTime
	var lastQuestionSentAt, reminderSentAt, nextQuestionScheduledFor sql.NullTime
	err := row.Scan(
		&t.ID, &t.BuyerPhone, &buyerName, &t.StorytellerName, &storytellerPhone,
		&t.AlbumID, &t.Language, &t.State,
		&welcomeSentAt, &readinessAskedAt, &retryReadinessAt, &t.RetryCount,
		&lastReadiness, &lastQuestionSentAt, &reminderSentAt, &nextQuestionScheduledFor,
		&t.CurrentQuestionIndex, &t.NeedsAttention, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, err
	}
	t.BuyerName = buyerName.String
	t.StorytellerPhone = storytellerPhone.String
	t.LastReadinessResponse = lastReadiness.String
	t.WelcomeSentAt = timePtr(welcomeSentAt)
	t.ReadinessAskedAt = timePtr(readinessAskedAt)
	t.RetryReadinessAt = timePtr(retryReadinessAt)
	t.LastQuestionSentAt = timePtr(lastQuestionSentAt)
	t.ReminderSentAt = timePtr(reminderSentAt)
	t.NextQuestionScheduledFor = timePtr(nextQuestionScheduledFor)
	return t, nil
}

// collectTrials drains a rows cursor into a slice of trials.
func collectTrials(rows *sql.Rows) ([]models.Trial, error) {
	var trials []models.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trial row: %w", err)
		}
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trial rows: %w", err)
	}
	return trials, nil
}

// scanVoiceNote scans a VoiceNote from a row or rows cursor.
func scanVoiceNote(row rowScanner) (models.VoiceNote, error) {
	var vn models.VoiceNote
	var mediaURL, contentHash, mimeType sql.NullString
	err := row.Scan(
		&vn.ID, &vn.TrialID, &vn.QuestionIndex, &vn.QuestionText, &vn.MediaID,
		&mediaURL, &contentHash, &vn.DownloadStatus, &vn.SizeBytes, &mimeType,
		&vn.Attempts, &vn.ReceivedAt, &vn.UpdatedAt,
	)
	if err != nil {
		return vn, err
	}
	vn.MediaURL = mediaURL.String
	vn.ContentHash = contentHash.String
	vn.MimeType = mimeType.String
	return vn, nil
}

// collectVoiceNotes drains a rows cursor into a slice of voice notes.
func collectVoiceNotes(rows *sql.Rows) ([]models.VoiceNote, error) {
	var notes []models.VoiceNote
	for rows.Next() {
		vn, err := scanVoiceNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan voice note row: %w", err)
		}
		notes = append(notes, vn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate voice note rows: %w", err)
	}
	return notes, nil
}

// scanOrder scans a PaymentOrder from a row or rows cursor.
func scanOrder(row rowScanner) (models.PaymentOrder, error) {
	var o models.PaymentOrder
	var transactionID sql.NullString
	err := row.Scan(
		&o.MerchantOrderID, &o.TrialID, &o.AmountPaise, &o.State, &transactionID,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.TransactionID = transactionID.String
	return o, nil
}

// collectOrders drains a rows cursor into a slice of payment orders.
func collectOrders(rows *sql.Rows) ([]models.PaymentOrder, error) {
	var orders []models.PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order rows: %w", err)
	}
	return orders, nil
}

// scanAlbum scans an Album (without its question list) from a row or rows cursor.
func scanAlbum(row rowScanner) (models.Album, error) {
	var a models.Album
	var description, coverURL sql.NullString
	err := row.Scan(
		&a.ID, &a.Title, &description, &a.PricePaise, &coverURL, &a.Active,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.Description = description.String
	a.CoverURL = coverURL.String
	return a, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
