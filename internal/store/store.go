// Package store provides storage backends for the Virasat fulfillment engine.
//
// It persists trials, voice notes, payment orders, the webhook idempotency
// ledger, and the album catalog, with SQLite and PostgreSQL backends.
package store

import (
	"strings"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL-style DSNs and "sqlite"
// for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// TrialRepo defines the interface for trial persistence.
type TrialRepo interface {
	// CreateTrial inserts a new trial row.
	CreateTrial(t *models.Trial) error

	// GetTrial retrieves a trial by ID. Returns nil if not found.
	GetTrial(id string) (*models.Trial, error)

	// FindActiveTrialByPhone finds the most recent non-completed trial whose
	// storyteller or buyer phone matches. Returns nil if not found.
	FindActiveTrialByPhone(phone string) (*models.Trial, error)

	// UpdateTrial writes all mutable trial fields, guarded by the version the
	// caller read. Returns models.ErrStaleTrialVersion if another writer got
	// there first. On success the trial's Version field is bumped in place.
	UpdateTrial(t *models.Trial) error

	// ListDueTrials returns trials whose scheduled readiness retry or question
	// reminder time has elapsed. The dispatcher re-validates state before acting.
	ListDueTrials(now time.Time, limit int) ([]models.Trial, error)

	// ListTrialsNeedingAttention returns trials flagged for human follow-up.
	ListTrialsNeedingAttention() ([]models.Trial, error)
}

// VoiceNoteRepo defines the interface for voice note persistence.
type VoiceNoteRepo interface {
	// InsertVoiceNote inserts a new voice note row. Returns
	// models.ErrDuplicateVoiceNote if a row already exists for the same
	// (trial id, question index) pair; the existing row is left untouched.
	InsertVoiceNote(vn *models.VoiceNote) error

	// GetVoiceNote retrieves the voice note for a (trial id, question index)
	// pair. Returns nil if not found.
	GetVoiceNote(trialID string, questionIndex int) (*models.VoiceNote, error)

	// UpdateVoiceNoteDownload records the outcome of a download attempt.
	UpdateVoiceNoteDownload(id string, status models.DownloadStatus, mediaURL, contentHash string, sizeBytes int64, attempts int) error

	// ListPendingVoiceNotes returns voice notes still awaiting media download,
	// oldest first.
	ListPendingVoiceNotes(limit int) ([]models.VoiceNote, error)
}

// OrderRepo defines the interface for payment order persistence.
type OrderRepo interface {
	// CreateOrder inserts a new payment order in PENDING state.
	CreateOrder(o *models.PaymentOrder) error

	// GetOrder retrieves a payment order by merchant order ID. Returns
	// models.ErrOrderNotFound if no such order exists.
	GetOrder(merchantOrderID string) (*models.PaymentOrder, error)

	// MarkOrderState transitions an order to the given state. Orders already
	// in a terminal state are never overwritten; the call is a no-op then and
	// returns models.ErrOrderAlreadyTerminal.
	MarkOrderState(merchantOrderID string, state models.PaymentState, transactionID string) error

	// ListUnactivatedCompletedOrders returns COMPLETED orders, settled before
	// olderThan, whose trial is still awaiting initial contact. Used by the
	// reconciler to recover from a crash between payment confirmation and
	// trial activation.
	ListUnactivatedCompletedOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error)

	// ListStalePendingOrders returns PENDING orders last touched before
	// olderThan. The reconciler polls the gateway for these to recover from
	// a missed or expired webhook.
	ListStalePendingOrders(olderThan time.Time, limit int) ([]models.PaymentOrder, error)
}

// DedupRepo defines the interface for the webhook idempotency ledger.
type DedupRepo interface {
	// AdmitEvent atomically records an idempotency key. It returns
	// alreadyProcessed=false exactly once per key across all concurrent
	// callers; every other call returns true. Callers seeing true must skip
	// all side effects.
	AdmitEvent(idempotencyKey string) (alreadyProcessed bool, err error)
}

// AlbumRepo defines the interface for the read-mostly album catalog.
type AlbumRepo interface {
	// GetAlbum retrieves an album with its ordered question list. Returns
	// models.ErrAlbumNotFound if no such album exists.
	GetAlbum(id string) (*models.Album, error)

	// ListAlbums returns all active albums with their questions.
	ListAlbums() ([]models.Album, error)

	// UpsertAlbum inserts or replaces an album and its question list. Used by
	// catalog seeding and the external admin sync.
	UpsertAlbum(a *models.Album) error
}

// Store combines all repository interfaces backed by one database.
type Store interface {
	TrialRepo
	VoiceNoteRepo
	OrderRepo
	DedupRepo
	AlbumRepo

	// Close closes the underlying database connection.
	Close() error
}
