// Package dispatcher periodically scans for trials whose scheduled action is
// due and performs it through the conversation engine.
//
// Scheduling is row-based: the engine records retry_readiness_at and
// next_question_scheduled_for timestamps, and the dispatcher polls for
// elapsed ones. Overlapping runs and multiple instances are tolerated — the
// engine re-checks trial state before acting, and optimistic row versions
// make a concurrent claim lose with ErrStaleTrialVersion instead of causing
// a duplicate send.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/store"
)

const (
	// DefaultPollInterval is how often due trials are scanned for.
	DefaultPollInterval = 30 * time.Second
	// claimLimit bounds how many due trials one scan handles.
	claimLimit = 10
)

// Engine is the subset of the conversation engine the dispatcher drives.
type Engine interface {
	RetryReadiness(ctx context.Context, trialID string) error
	SendReminder(ctx context.Context, trialID string) error
}

// Dispatcher polls for due trials and invokes the matching engine action.
type Dispatcher struct {
	trials       store.TrialRepo
	engine       Engine
	pollInterval time.Duration
}

// New creates a dispatcher. A zero pollInterval selects DefaultPollInterval.
func New(trials store.TrialRepo, engine Engine, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Dispatcher{
		trials:       trials,
		engine:       engine,
		pollInterval: pollInterval,
	}
}

// Run starts the polling loop and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run starting", "pollInterval", d.pollInterval)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context) {
	due, err := d.trials.ListDueTrials(time.Now(), claimLimit)
	if err != nil {
		slog.Error("Dispatcher.poll failed to list due trials", "error", err)
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, &due[i])
	}
}

// dispatch routes one due trial to the action its state calls for. A stale
// version error means another instance acted first and is not a failure.
func (d *Dispatcher) dispatch(ctx context.Context, trial *models.Trial) {
	var err error
	switch trial.State {
	case models.TrialStateAwaitingReadiness:
		err = d.engine.RetryReadiness(ctx, trial.ID)
	case models.TrialStateInProgress:
		err = d.engine.SendReminder(ctx, trial.ID)
	default:
		slog.Debug("Dispatcher.dispatch no action for state", "trialID", trial.ID, "state", trial.State)
		return
	}
	if errors.Is(err, models.ErrStaleTrialVersion) {
		slog.Debug("Dispatcher.dispatch lost claim to concurrent run", "trialID", trial.ID)
		return
	}
	if err != nil {
		slog.Error("Dispatcher.dispatch action failed", "error", err, "trialID", trial.ID, "state", trial.State)
	}
}
