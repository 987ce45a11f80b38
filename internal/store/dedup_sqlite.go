package store

import (
	"fmt"
	"log/slog"
	"time"
)

var _ DedupRepo = (*SQLiteStore)(nil)

// AdmitEvent records the idempotency key and reports whether it was already
// processed. The insert is the check: exactly one caller per key ever sees
// alreadyProcessed == false, even across concurrent deliveries.
func (s *SQLiteStore) AdmitEvent(key string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO webhook_events (idempotency_key, processed_at) VALUES (?, ?)`,
		key, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore AdmitEvent failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to admit webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("webhook event rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore AdmitEvent duplicate", "key", key)
		return true, nil
	}
	return false, nil
}
