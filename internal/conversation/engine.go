// Package conversation implements the per-trial state machine that drives the
// memory-collection dialogue over WhatsApp.
//
// The lifecycle is awaiting_initial_contact → awaiting_readiness → ready →
// in_progress → completed. Every scheduled action (readiness retry, question
// reminder) is recorded as a timestamp on the trial row rather than fired
// from an in-process timer, so the dispatcher can survive restarts and run
// behind multiple instances.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/catalog"
	"github.com/virasat-app/virasat/internal/classifier"
	"github.com/virasat-app/virasat/internal/messaging"
	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
)

// Ingester accepts a voice note answer for persistence.
type Ingester interface {
	Ingest(trialID string, questionIndex int, questionText, mediaID, mimeType string) (*models.VoiceNote, error)
}

// CompletionHandler is invoked after a trial reaches the completed state.
type CompletionHandler func(ctx context.Context, trialID string) error

// Engine drives trial conversations: it reacts to inbound messages, sends
// questions, and records scheduling timestamps for the dispatcher.
type Engine struct {
	trials   store.TrialRepo
	dedup    store.DedupRepo
	albums   catalog.Service
	msgr     messaging.Service
	ingester Ingester
	classify classifier.Classifier

	onCompleted CompletionHandler
}

// NewEngine creates a conversation engine.
func NewEngine(trials store.TrialRepo, dedup store.DedupRepo, albums catalog.Service, msgr messaging.Service, ingester Ingester, classify classifier.Classifier) *Engine {
	return &Engine{
		trials:   trials,
		dedup:    dedup,
		albums:   albums,
		msgr:     msgr,
		ingester: ingester,
		classify: classify,
	}
}

// SetCompletionHandler registers the callback invoked when a trial completes.
// It exists as a setter because the fulfillment reconciler both calls into
// the engine and listens to it.
func (e *Engine) SetCompletionHandler(h CompletionHandler) {
	e.onCompleted = h
}

// Run consumes the messaging service's inbound channel until ctx is
// cancelled. Handling errors are logged, never fatal: a bad message must not
// stop the stream.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("Engine.Run starting inbound message loop")
	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run stopping", "reason", ctx.Err())
			return
		case msg, ok := <-e.msgr.Messages():
			if !ok {
				slog.Info("Engine.Run inbound channel closed")
				return
			}
			if err := e.HandleInbound(ctx, msg); err != nil {
				slog.Error("Engine.Run failed to handle inbound message", "error", err, "from", msg.From)
			}
		}
	}
}

// HandleInbound routes an inbound event to the trial it belongs to.
// Messages from phones with no active trial are dropped with a log line.
func (e *Engine) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	phone, err := e.msgr.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}

	trial, err := e.trials.FindActiveTrialByPhone(phone)
	if err != nil {
		return fmt.Errorf("failed to look up trial for sender: %w", err)
	}
	if trial == nil {
		slog.Debug("Engine.HandleInbound no active trial for sender", "from", phone)
		return nil
	}

	if msg.HasMedia() {
		return e.handleMedia(ctx, trial, msg)
	}
	return e.handleText(ctx, trial, msg)
}

// StartTrial sends the welcome message and the readiness question for a
// freshly paid trial and moves it to awaiting_readiness. Calling it on a
// trial that already left awaiting_initial_contact is a no-op, which keeps
// webhook-driven activation safe to repeat.
func (e *Engine) StartTrial(ctx context.Context, trialID string) error {
	trial, err := e.trials.GetTrial(trialID)
	if err != nil {
		return fmt.Errorf("failed to load trial %s: %w", trialID, err)
	}
	if trial == nil {
		return models.ErrTrialNotFound
	}
	if trial.State != models.TrialStateAwaitingInitialContact {
		slog.Info("Engine.StartTrial trial already activated", "trialID", trialID, "state", trial.State)
		return nil
	}

	album, err := e.albums.Album(ctx, trial.AlbumID)
	if err != nil {
		return fmt.Errorf("failed to load album for trial %s: %w", trialID, err)
	}

	to, err := e.contactPhone(trial)
	if err != nil {
		return err
	}
	if err := e.msgr.SendMessage(ctx, to, welcomeMessage(trial, album)); err != nil {
		return fmt.Errorf("failed to send welcome message: %w", err)
	}
	now := time.Now()
	trial.WelcomeSentAt = &now

	if err := e.msgr.SendMessage(ctx, to, readinessMessage(trial)); err != nil {
		return fmt.Errorf("failed to send readiness question: %w", err)
	}
	trial.ReadinessAskedAt = &now
	trial.State = models.TrialStateAwaitingReadiness
	// Schedule the first readiness follow-up; a reply clears it, silence
	// lets the dispatcher re-ask.
	retryAt := now.Add(readinessBackoff(trial.RetryCount))
	trial.RetryReadinessAt = &retryAt

	if err := e.trials.UpdateTrial(trial); err != nil {
		return fmt.Errorf("failed to persist trial activation: %w", err)
	}
	slog.Info("Engine.StartTrial trial activated", "trialID", trialID, "to", to)
	return nil
}

// handleText processes a text reply. Only the readiness question expects
// text; replies in other states are acknowledged in logs and dropped.
func (e *Engine) handleText(ctx context.Context, trial *models.Trial, msg models.InboundMessage) error {
	if trial.StorytellerPhone == "" {
		if phone, err := e.msgr.ValidateAndCanonicalizeRecipient(msg.From); err == nil {
			trial.StorytellerPhone = phone
		}
	}

	if trial.State != models.TrialStateAwaitingReadiness {
		slog.Debug("Engine.handleText ignoring text outside readiness window",
			"trialID", trial.ID, "state", trial.State)
		return nil
	}

	verdict, err := e.classify.Classify(ctx, msg.Body)
	if err != nil {
		slog.Warn("Engine.handleText classifier failed, treating reply as unclear", "error", err, "trialID", trial.ID)
		verdict = classifier.VerdictUnclear
	}
	trial.LastReadinessResponse = string(verdict)
	now := time.Now()

	if verdict == classifier.VerdictYes {
		trial.State = models.TrialStateReady
		trial.RetryReadinessAt = nil
		album, err := e.albums.Album(ctx, trial.AlbumID)
		if err != nil {
			return fmt.Errorf("failed to load album for trial %s: %w", trial.ID, err)
		}
		if err := e.sendQuestion(ctx, trial, album, trial.CurrentQuestionIndex); err != nil {
			return err
		}
		if err := e.trials.UpdateTrial(trial); err != nil {
			return fmt.Errorf("failed to persist readiness confirmation: %w", err)
		}
		slog.Info("Engine.handleText storyteller ready, first question sent", "trialID", trial.ID)
		return nil
	}

	// Negative or unclear: stay in awaiting_readiness and let the
	// dispatcher re-ask later, or flag the trial once the budget is spent.
	if trial.RetryCount >= models.MaxReadinessRetries {
		trial.NeedsAttention = true
		trial.RetryReadinessAt = nil
		slog.Warn("Engine.handleText readiness retries exhausted, flagging for follow-up",
			"trialID", trial.ID, "retryCount", trial.RetryCount)
	} else {
		retryAt := now.Add(readinessBackoff(trial.RetryCount))
		trial.RetryReadinessAt = &retryAt
		slog.Info("Engine.handleText readiness not confirmed, retry scheduled",
			"trialID", trial.ID, "verdict", verdict, "retryAt", retryAt)
	}
	if err := e.trials.UpdateTrial(trial); err != nil {
		return fmt.Errorf("failed to persist readiness reply: %w", err)
	}
	return nil
}

// handleMedia processes a voice note answer for the current question. The
// first accepted answer per question wins; duplicates are dropped without
// moving the cursor.
func (e *Engine) handleMedia(ctx context.Context, trial *models.Trial, msg models.InboundMessage) error {
	if trial.State != models.TrialStateInProgress {
		slog.Debug("Engine.handleMedia ignoring media outside question flow",
			"trialID", trial.ID, "state", trial.State)
		return nil
	}

	// WhatsApp delivers at-least-once and the message ID is stable across
	// redeliveries. Admit it before ingesting so a redelivered voice note
	// cannot be mistaken for the answer to the question the cursor has since
	// moved to.
	duplicate, err := e.dedup.AdmitEvent("media:" + msg.MediaID)
	if err != nil {
		return fmt.Errorf("failed to admit media event: %w", err)
	}
	if duplicate {
		slog.Info("Engine.handleMedia redelivered media dropped",
			"trialID", trial.ID, "mediaID", msg.MediaID)
		return nil
	}

	album, err := e.albums.Album(ctx, trial.AlbumID)
	if err != nil {
		return fmt.Errorf("failed to load album for trial %s: %w", trial.ID, err)
	}
	question, ok := album.QuestionAt(trial.CurrentQuestionIndex)
	if !ok {
		return fmt.Errorf("trial %s cursor %d exceeds album %s question count %d",
			trial.ID, trial.CurrentQuestionIndex, album.ID, album.QuestionCount())
	}

	_, err = e.ingester.Ingest(trial.ID, trial.CurrentQuestionIndex,
		question.TextFor(trial.Language), msg.MediaID, msg.MimeType)
	if errors.Is(err, models.ErrDuplicateVoiceNote) {
		slog.Info("Engine.handleMedia duplicate answer dropped",
			"trialID", trial.ID, "questionIndex", trial.CurrentQuestionIndex)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to ingest voice note: %w", err)
	}

	next := trial.CurrentQuestionIndex + 1
	trial.CurrentQuestionIndex = next

	if next < album.QuestionCount() {
		if err := e.sendQuestion(ctx, trial, album, next); err != nil {
			return err
		}
		if err := e.trials.UpdateTrial(trial); err != nil {
			return fmt.Errorf("failed to persist question progression: %w", err)
		}
		slog.Info("Engine.handleMedia answer accepted, next question sent",
			"trialID", trial.ID, "questionIndex", next)
		return nil
	}

	trial.State = models.TrialStateCompleted
	trial.NextQuestionScheduledFor = nil
	to, err := e.contactPhone(trial)
	if err != nil {
		return err
	}
	if err := e.msgr.SendMessage(ctx, to, completionMessage(trial)); err != nil {
		slog.Error("Engine.handleMedia failed to send completion message", "error", err, "trialID", trial.ID)
	}
	if err := e.trials.UpdateTrial(trial); err != nil {
		return fmt.Errorf("failed to persist trial completion: %w", err)
	}
	slog.Info("Engine.handleMedia trial completed", "trialID", trial.ID, "questions", album.QuestionCount())

	if e.onCompleted != nil {
		if err := e.onCompleted(ctx, trial.ID); err != nil {
			slog.Error("Engine.handleMedia completion handler failed", "error", err, "trialID", trial.ID)
		}
	}
	return nil
}

// RetryReadiness re-asks the readiness question for a trial whose
// retry_readiness_at has elapsed. Once the retry budget is spent the trial is
// flagged for human follow-up instead of being nagged forever.
func (e *Engine) RetryReadiness(ctx context.Context, trialID string) error {
	trial, err := e.trials.GetTrial(trialID)
	if err != nil {
		return fmt.Errorf("failed to load trial %s: %w", trialID, err)
	}
	if trial == nil {
		return models.ErrTrialNotFound
	}
	if trial.State != models.TrialStateAwaitingReadiness || trial.NeedsAttention {
		slog.Debug("Engine.RetryReadiness trial no longer awaiting readiness", "trialID", trialID, "state", trial.State)
		return nil
	}

	now := time.Now()
	if trial.RetryCount >= models.MaxReadinessRetries {
		trial.NeedsAttention = true
		trial.RetryReadinessAt = nil
		if err := e.trials.UpdateTrial(trial); err != nil {
			return fmt.Errorf("failed to flag trial for attention: %w", err)
		}
		slog.Warn("Engine.RetryReadiness retry budget exhausted, flagging for follow-up",
			"trialID", trialID, "retryCount", trial.RetryCount)
		return nil
	}

	to, err := e.contactPhone(trial)
	if err != nil {
		return err
	}
	if err := e.msgr.SendMessage(ctx, to, readinessMessage(trial)); err != nil {
		return fmt.Errorf("failed to re-ask readiness question: %w", err)
	}
	trial.RetryCount++
	trial.ReadinessAskedAt = &now
	retryAt := now.Add(readinessBackoff(trial.RetryCount))
	trial.RetryReadinessAt = &retryAt

	if err := e.trials.UpdateTrial(trial); err != nil {
		return fmt.Errorf("failed to persist readiness retry: %w", err)
	}
	slog.Info("Engine.RetryReadiness readiness re-asked",
		"trialID", trialID, "retryCount", trial.RetryCount, "nextRetryAt", retryAt)
	return nil
}

// SendReminder sends the single per-question reminder for an in-progress
// trial whose response window elapsed. The cursor never auto-advances:
// memories are not skipped without the storyteller's answer.
func (e *Engine) SendReminder(ctx context.Context, trialID string) error {
	trial, err := e.trials.GetTrial(trialID)
	if err != nil {
		return fmt.Errorf("failed to load trial %s: %w", trialID, err)
	}
	if trial == nil {
		return models.ErrTrialNotFound
	}
	if trial.State != models.TrialStateInProgress || trial.ReminderSentAt != nil {
		slog.Debug("Engine.SendReminder nothing to remind", "trialID", trialID, "state", trial.State)
		return nil
	}

	album, err := e.albums.Album(ctx, trial.AlbumID)
	if err != nil {
		return fmt.Errorf("failed to load album for trial %s: %w", trialID, err)
	}
	question, ok := album.QuestionAt(trial.CurrentQuestionIndex)
	if !ok {
		return fmt.Errorf("trial %s cursor %d exceeds album %s question count %d",
			trial.ID, trial.CurrentQuestionIndex, album.ID, album.QuestionCount())
	}

	to, err := e.contactPhone(trial)
	if err != nil {
		return err
	}
	if err := e.msgr.SendMessage(ctx, to, reminderMessage(trial, question)); err != nil {
		return fmt.Errorf("failed to send reminder: %w", err)
	}
	now := time.Now()
	trial.ReminderSentAt = &now

	if err := e.trials.UpdateTrial(trial); err != nil {
		return fmt.Errorf("failed to persist reminder: %w", err)
	}
	slog.Info("Engine.SendReminder reminder sent", "trialID", trialID, "questionIndex", trial.CurrentQuestionIndex)
	return nil
}

// sendQuestion delivers question index to the storyteller and records the
// in_progress scheduling fields on the trial. The caller persists the trial.
func (e *Engine) sendQuestion(ctx context.Context, trial *models.Trial, album *models.Album, index int) error {
	question, ok := album.QuestionAt(index)
	if !ok {
		return fmt.Errorf("album %s has no question at index %d", album.ID, index)
	}
	to, err := e.contactPhone(trial)
	if err != nil {
		return err
	}
	if err := e.msgr.SendMessage(ctx, to, questionMessage(trial, album, index, question)); err != nil {
		return fmt.Errorf("failed to send question %d: %w", index, err)
	}

	now := time.Now()
	nextAt := now.Add(models.QuestionResponseWindow)
	trial.State = models.TrialStateInProgress
	trial.CurrentQuestionIndex = index
	trial.LastQuestionSentAt = &now
	trial.NextQuestionScheduledFor = &nextAt
	trial.ReminderSentAt = nil
	return nil
}

// contactPhone picks the storyteller's phone when known, else the buyer's.
func (e *Engine) contactPhone(trial *models.Trial) (string, error) {
	phone := trial.StorytellerPhone
	if phone == "" {
		phone = trial.BuyerPhone
	}
	to, err := e.msgr.ValidateAndCanonicalizeRecipient(phone)
	if err != nil {
		return "", fmt.Errorf("trial %s has no valid contact phone: %w", trial.ID, err)
	}
	return to, nil
}

// readinessBackoff returns how long to wait before re-asking the readiness
// question after retryCount previous asks.
func readinessBackoff(retryCount int) time.Duration {
	return models.ReadinessRetryBase * time.Duration(1<<retryCount)
}
