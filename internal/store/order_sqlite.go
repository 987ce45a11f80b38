package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

var _ OrderRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateOrder(o *models.PaymentOrder) error {
	_, err := s.db.Exec(
		`INSERT INTO payment_orders
		 (merchant_order_id, trial_id, amount_paise, state, transaction_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.MerchantOrderID, o.TrialID, o.AmountPaise, o.State,
		nilIfEmpty(o.TransactionID), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateOrder failed", "error", err, "merchantOrderID", o.MerchantOrderID)
		return fmt.Errorf("failed to create payment order: %w", err)
	}
	slog.Debug("SQLiteStore CreateOrder succeeded", "merchantOrderID", o.MerchantOrderID, "trialID", o.TrialID)
	return nil
}

func (s *SQLiteStore) GetOrder(merchantOrderID string) (*models.PaymentOrder, error) {
	row := s.db.QueryRow(
		`SELECT `+orderColumns+` FROM payment_orders WHERE merchant_order_id = ?`,
		merchantOrderID,
	)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetOrder failed", "error", err, "merchantOrderID", merchantOrderID)
		return nil, fmt.Errorf("failed to get payment order: %w", err)
	}
	return &o, nil
}

// MarkOrderState moves an order from PENDING to a terminal state. The WHERE
// guard keeps terminal states immutable under concurrent webhook delivery.
func (s *SQLiteStore) MarkOrderState(merchantOrderID string, state models.PaymentState, transactionID string) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE payment_orders SET state = ?, transaction_id = ?, updated_at = ?
		 WHERE merchant_order_id = ? AND state = 'PENDING'`,
		state, nilIfEmpty(transactionID), now, merchantOrderID,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkOrderState failed", "error", err, "merchantOrderID", merchantOrderID, "state", state)
		return fmt.Errorf("failed to mark order state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("order state rows affected check failed: %w", err)
	}
	if n == 0 {
		existing, getErr := s.GetOrder(merchantOrderID)
		if getErr != nil {
			return getErr
		}
		if existing.State.IsTerminal() {
			return models.ErrOrderAlreadyTerminal
		}
		return fmt.Errorf("failed to mark order %s state", merchantOrderID)
	}
	slog.Debug("SQLiteStore MarkOrderState succeeded", "merchantOrderID", merchantOrderID, "state", state)
	return nil
}

// ListUnactivatedCompletedOrders returns COMPLETED orders whose trial never
// left awaiting_initial_contact, oldest first.
func (s *SQLiteStore) ListUnactivatedCompletedOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error) {
	rows, err := s.db.Query(
		`SELECT `+orderColumnsPrefixed("o")+` FROM payment_orders o
		 JOIN trials t ON t.id = o.trial_id
		 WHERE o.state = 'COMPLETED' AND t.state = 'awaiting_initial_contact'
		   AND t.welcome_sent_at IS NULL AND o.updated_at <= ?
		 ORDER BY o.updated_at ASC LIMIT ?`,
		olderThan, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListUnactivatedCompletedOrders query failed", "error", err)
		return nil, fmt.Errorf("failed to query unactivated completed orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListStalePendingOrders returns PENDING orders untouched since olderThan,
// oldest first.
func (s *SQLiteStore) ListStalePendingOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error) {
	rows, err := s.db.Query(
		`SELECT `+orderColumns+` FROM payment_orders
		 WHERE state = 'PENDING' AND updated_at <= ?
		 ORDER BY updated_at ASC LIMIT ?`,
		olderThan, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListStalePendingOrders query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale pending orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}
