package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/virasat-app/virasat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// SQLite tolerates only one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent webhook delivery.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) CreateTrial(t *models.Trial) error {
	_, err := s.db.Exec(
		`INSERT INTO trials (`+trialColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BuyerPhone, nilIfEmpty(t.BuyerName), t.StorytellerName, nilIfEmpty(t.StorytellerPhone),
		t.AlbumID, t.Language, t.State,
		t.WelcomeSentAt, t.ReadinessAskedAt, t.RetryReadinessAt, t.RetryCount,
		nilIfEmpty(t.LastReadinessResponse), t.LastQuestionSentAt, t.ReminderSentAt, t.NextQuestionScheduledFor,
		t.CurrentQuestionIndex, t.NeedsAttention, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateTrial failed", "error", err, "trialID", t.ID)
		return fmt.Errorf("failed to insert trial %s: %w", t.ID, err)
	}
	slog.Debug("SQLiteStore CreateTrial succeeded", "trialID", t.ID, "albumID", t.AlbumID)
	return nil
}

func (s *SQLiteStore) GetTrial(id string) (*models.Trial, error) {
	row := s.db.QueryRow(`SELECT `+trialColumns+` FROM trials WHERE id = ?`, id)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetTrial failed", "error", err, "trialID", id)
		return nil, fmt.Errorf("failed to get trial %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) FindActiveTrialByPhone(phone string) (*models.Trial, error) {
	row := s.db.QueryRow(
		`SELECT `+trialColumns+` FROM trials
		 WHERE (storyteller_phone = ? OR buyer_phone = ?) AND state != 'completed'
		 ORDER BY created_at DESC LIMIT 1`,
		phone, phone,
	)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindActiveTrialByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find trial by phone: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) UpdateTrial(t *models.Trial) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE trials SET
			buyer_phone = ?, buyer_name = ?, storyteller_name = ?, storyteller_phone = ?,
			album_id = ?, language = ?, state = ?,
			welcome_sent_at = ?, readiness_asked_at = ?, retry_readiness_at = ?, retry_count = ?,
			last_readiness_response = ?, last_question_sent_at = ?, reminder_sent_at = ?,
			next_question_scheduled_for = ?, current_question_index = ?, needs_attention = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		t.BuyerPhone, nilIfEmpty(t.BuyerName), t.StorytellerName, nilIfEmpty(t.StorytellerPhone),
		t.AlbumID, t.Language, t.State,
		t.WelcomeSentAt, t.ReadinessAskedAt, t.RetryReadinessAt, t.RetryCount,
		nilIfEmpty(t.LastReadinessResponse), t.LastQuestionSentAt, t.ReminderSentAt,
		t.NextQuestionScheduledFor, t.CurrentQuestionIndex, t.NeedsAttention,
		now, t.ID, t.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateTrial failed", "error", err, "trialID", t.ID)
		return fmt.Errorf("failed to update trial %s: %w", t.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trial rows affected check failed: %w", err)
	}
	if n == 0 {
		existing, getErr := s.GetTrial(t.ID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return models.ErrTrialNotFound
		}
		slog.Warn("SQLiteStore UpdateTrial version conflict", "trialID", t.ID, "version", t.Version)
		return models.ErrStaleTrialVersion
	}
	t.Version++
	t.UpdatedAt = now
	slog.Debug("SQLiteStore UpdateTrial succeeded", "trialID", t.ID, "state", t.State, "version", t.Version)
	return nil
}

func (s *SQLiteStore) ListDueTrials(now time.Time, limit int) ([]models.Trial, error) {
	rows, err := s.db.Query(
		`SELECT `+trialColumns+` FROM trials
		 WHERE (state = 'awaiting_readiness' AND needs_attention = 0
		        AND retry_readiness_at IS NOT NULL AND retry_readiness_at <= ?)
		    OR (state = 'in_progress' AND reminder_sent_at IS NULL
		        AND next_question_scheduled_for IS NOT NULL AND next_question_scheduled_for <= ?)
		 ORDER BY updated_at ASC LIMIT ?`,
		now, now, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListDueTrials query failed", "error", err)
		return nil, fmt.Errorf("failed to query due trials: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}

func (s *SQLiteStore) ListTrialsNeedingAttention() ([]models.Trial, error) {
	rows, err := s.db.Query(
		`SELECT ` + trialColumns + ` FROM trials WHERE needs_attention = 1 ORDER BY updated_at ASC`,
	)
	if err != nil {
		slog.Error("SQLiteStore ListTrialsNeedingAttention query failed", "error", err)
		return nil, fmt.Errorf("failed to query trials needing attention: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}
