package store

import (
	"fmt"
	"log/slog"
	"time"
)

var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) AdmitEvent(key string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO webhook_events (idempotency_key, processed_at) VALUES ($1, $2)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		key, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore AdmitEvent failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to admit webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("webhook event rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore AdmitEvent duplicate", "key", key)
		return true, nil
	}
	return false, nil
}
