package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/virasat-app/virasat/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

func (s *PostgresStore) CreateTrial(t *models.Trial) error {
	_, err := s.db.Exec(
		`INSERT INTO trials (`+trialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.BuyerPhone, nilIfEmpty(t.BuyerName), t.StorytellerName, nilIfEmpty(t.StorytellerPhone),
		t.AlbumID, t.Language, t.State,
		t.WelcomeSentAt, t.ReadinessAskedAt, t.RetryReadinessAt, t.RetryCount,
		nilIfEmpty(t.LastReadinessResponse), t.LastQuestionSentAt, t.ReminderSentAt, t.NextQuestionScheduledFor,
		t.CurrentQuestionIndex, t.NeedsAttention, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateTrial failed", "error", err, "trialID", t.ID)
		return fmt.Errorf("failed to insert trial %s: %w", t.ID, err)
	}
	slog.Debug("PostgresStore CreateTrial succeeded", "trialID", t.ID, "albumID", t.AlbumID)
	return nil
}

func (s *PostgresStore) GetTrial(id string) (*models.Trial, error) {
	row := s.db.QueryRow(`SELECT `+trialColumns+` FROM trials WHERE id = $1`, id)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetTrial failed", "error", err, "trialID", id)
		return nil, fmt.Errorf("failed to get trial %s: %w", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) FindActiveTrialByPhone(phone string) (*models.Trial, error) {
	row := s.db.QueryRow(
		`SELECT `+trialColumns+` FROM trials
		 WHERE (storyteller_phone = $1 OR buyer_phone = $1) AND state != 'completed'
		 ORDER BY created_at DESC LIMIT 1`,
		phone,
	)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindActiveTrialByPhone failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find trial by phone: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTrial(t *models.Trial) error {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE trials SET
			buyer_phone = $1, buyer_name = $2, storyteller_name = $3, storyteller_phone = $4,
			album_id = $5, language = $6, state = $7,
			welcome_sent_at = $8, readiness_asked_at = $9, retry_readiness_at = $10, retry_count = $11,
			last_readiness_response = $12, last_question_sent_at = $13, reminder_sent_at = $14,
			next_question_scheduled_for = $15, current_question_index = $16, needs_attention = $17,
			version = version + 1, updated_at = $18
		 WHERE id = $19 AND version = $20`,
		t.BuyerPhone, nilIfEmpty(t.BuyerName), t.StorytellerName, nilIfEmpty(t.StorytellerPhone),
		t.AlbumID, t.Language, t.State,
		t.WelcomeSentAt, t.ReadinessAskedAt, t.RetryReadinessAt, t.RetryCount,
		nilIfEmpty(t.LastReadinessResponse), t.LastQuestionSentAt, t.ReminderSentAt,
		t.NextQuestionScheduledFor, t.CurrentQuestionIndex, t.NeedsAttention,
		now, t.ID, t.Version,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateTrial failed", "error", err, "trialID", t.ID)
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
		slog.Warn("PostgresStore UpdateTrial version conflict", "trialID", t.ID, "version", t.Version)
		return models.ErrStaleTrialVersion
	}
	t.Version++
	t.UpdatedAt = now
	slog.Debug("PostgresStore UpdateTrial succeeded", "trialID", t.ID, "state", t.State, "version", t.Version)
	return nil
}

func (s *PostgresStore) ListDueTrials(now time.Time, limit int) ([]models.Trial, error) {
	rows, err := s.db.Query(
		`SELECT `+trialColumns+` FROM trials
		 WHERE (state = 'awaiting_readiness' AND needs_attention = FALSE
		        AND retry_readiness_at IS NOT NULL AND retry_readiness_at <= $1)
		    OR (state = 'in_progress' AND reminder_sent_at IS NULL
		        AND next_question_scheduled_for IS NOT NULL AND next_question_scheduled_for <= $1)
		 ORDER BY updated_at ASC LIMIT $2`,
		now, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListDueTrials query failed", "error", err)
		return nil, fmt.Errorf("failed to query due trials: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}

func (s *PostgresStore) ListTrialsNeedingAttention() ([]models.Trial, error) {
	rows, err := s.db.Query(
		`SELECT ` + trialColumns + ` FROM trials WHERE needs_attention = TRUE ORDER BY updated_at ASC`,
	)
	if err != nil {
		slog.Error("PostgresStore ListTrialsNeedingAttention query failed", "error", err)
		return nil, fmt.Errorf("failed to query trials needing attention: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}
