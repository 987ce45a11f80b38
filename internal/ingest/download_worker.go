package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/virasat-app/virasat/internal/media"
	"github.com/virasat-app/virasat/internal/messaging"
	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
)

const (
	// DefaultDownloadPollInterval is how often the worker scans for pending notes.
	DefaultDownloadPollInterval = 15 * time.Second
	// downloadClaimLimit bounds how many pending notes one poll cycle handles.
	downloadClaimLimit = 10
)

// DownloadWorker polls for pending voice notes, downloads their media from
// the messaging platform, and uploads the bytes to object storage. A note
// that keeps failing is marked failed after models.MaxDownloadAttempts so it
// never blocks the queue; the conversation advances regardless.
type DownloadWorker struct {
	repo         store.VoiceNoteRepo
	downloader   messaging.MediaDownloader
	objects      media.Store
	pollInterval time.Duration
}

// NewDownloadWorker creates a voice note download worker. A zero pollInterval
// selects DefaultDownloadPollInterval.
func NewDownloadWorker(repo store.VoiceNoteRepo, downloader messaging.MediaDownloader, objects media.Store, pollInterval time.Duration) *DownloadWorker {
	if pollInterval <= 0 {
		pollInterval = DefaultDownloadPollInterval
	}
	return &DownloadWorker{
		repo:         repo,
		downloader:   downloader,
		objects:      objects,
		pollInterval: pollInterval,
	}
}

// Run starts the polling loop and blocks until ctx is cancelled.
func (w *DownloadWorker) Run(ctx context.Context) {
	slog.Info("DownloadWorker.Run starting", "pollInterval", w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("DownloadWorker.Run stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *DownloadWorker) poll(ctx context.Context) {
	pending, err := w.repo.ListPendingVoiceNotes(downloadClaimLimit)
	if err != nil {
		slog.Error("DownloadWorker.poll failed to list pending voice notes", "error", err)
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, &pending[i])
	}
}

// process downloads and stores a single voice note, updating its row with
// the outcome. Attempts are counted on every try so a broken media reference
// cannot be retried forever.
func (w *DownloadWorker) process(ctx context.Context, vn *models.VoiceNote) {
	attempts := vn.Attempts + 1

	data, contentType, err := w.downloader.DownloadMedia(ctx, vn.MediaID)
	if err != nil {
		w.recordFailure(vn, attempts, fmt.Errorf("download: %w", err))
		return
	}
	if len(data) == 0 {
		w.recordFailure(vn, attempts, fmt.Errorf("download returned empty media"))
		return
	}
	if contentType == "" {
		contentType = vn.MimeType
	}

	hash := sha256.Sum256(data)
	contentHash := hex.EncodeToString(hash[:])

	objectName := vn.TrialID + "/" + strconv.Itoa(vn.QuestionIndex) + objectExtension(vn.MimeType)
	url, err := w.objects.Upload(ctx, media.CategoryVoiceNote, objectName, contentType, data)
	if err != nil {
		w.recordFailure(vn, attempts, fmt.Errorf("upload: %w", err))
		return
	}

	if err := w.repo.UpdateVoiceNoteDownload(vn.ID, models.DownloadStatusDownloaded, url, contentHash, int64(len(data)), attempts); err != nil {
		slog.Error("DownloadWorker.process failed to record download", "error", err, "id", vn.ID)
		return
	}
	slog.Info("DownloadWorker.process voice note stored",
		"id", vn.ID, "trialID", vn.TrialID, "questionIndex", vn.QuestionIndex,
		"sizeBytes", len(data), "attempts", attempts)
}

func (w *DownloadWorker) recordFailure(vn *models.VoiceNote, attempts int, cause error) {
	status := models.DownloadStatusPending
	if attempts >= models.MaxDownloadAttempts {
		status = models.DownloadStatusFailed
	}
	if err := w.repo.UpdateVoiceNoteDownload(vn.ID, status, "", "", 0, attempts); err != nil {
		slog.Error("DownloadWorker.recordFailure failed to update voice note", "error", err, "id", vn.ID)
		return
	}
	if status == models.DownloadStatusFailed {
		slog.Error("DownloadWorker.recordFailure giving up on voice note",
			"id", vn.ID, "trialID", vn.TrialID, "attempts", attempts, "cause", cause)
	} else {
		slog.Warn("DownloadWorker.recordFailure download attempt failed",
			"id", vn.ID, "trialID", vn.TrialID, "attempts", attempts, "cause", cause)
	}
}
