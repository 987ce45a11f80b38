// Package reconciler coordinates payment settlement with trial fulfillment.
//
// It is the only writer that turns a COMPLETED payment into an active trial
// and the only caller of album assembly. Every applied event is recorded in
// the idempotency ledger, so at-least-once webhook delivery produces exactly
// one side effect, and a failed apply leaves the ledger untouched for the
// provider's redelivery.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/phonepe"
	"github.com/virasat-app/virasat/internal/store"
)

const (
	// DefaultSweepInterval is how often orphaned payments are re-scanned.
	DefaultSweepInterval = 5 * time.Minute
	// orphanGrace is how long a COMPLETED order may sit unactivated before
	// the sweep considers it orphaned. It covers the normal webhook-to-
	// activation window so the sweep does not race the live path.
	orphanGrace = 2 * time.Minute
	// orphanClaimLimit bounds how many orphans one sweep handles.
	orphanClaimLimit = 10
	// pendingPollAge is how long an order may sit PENDING before the sweep
	// polls the gateway for its real state. Webhooks normally settle an order
	// within seconds; anything older has likely missed its webhook.
	pendingPollAge = 10 * time.Minute
)

// Activator moves a paid trial into the conversation flow.
// *conversation.Engine satisfies it.
type Activator interface {
	StartTrial(ctx context.Context, trialID string) error
}

// AlbumAssembler packages a completed trial's voice notes into the final
// album. Assembly itself is an external collaborator; implementations
// typically enqueue work rather than render inline.
type AlbumAssembler interface {
	AssembleAlbum(ctx context.Context, trialID string) error
}

// StatusChecker reads the gateway's authoritative view of an order.
// *phonepe.Client satisfies it.
type StatusChecker interface {
	CheckStatus(ctx context.Context, merchantOrderID string) (*phonepe.StatusResponse, error)
}

// Reconciler applies payment events and recovers trials stranded between
// payment confirmation and activation.
type Reconciler struct {
	orders        store.OrderRepo
	dedup         store.DedupRepo
	activator     Activator
	assembler     AlbumAssembler
	status        StatusChecker
	sweepInterval time.Duration
}

// New creates a reconciler. A zero sweepInterval selects DefaultSweepInterval.
func New(orders store.OrderRepo, dedup store.DedupRepo, activator Activator, assembler AlbumAssembler, sweepInterval time.Duration) *Reconciler {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Reconciler{
		orders:        orders,
		dedup:         dedup,
		activator:     activator,
		assembler:     assembler,
		sweepInterval: sweepInterval,
	}
}

// HandlePaymentEvent applies one provider-reported order state change. The
// order write happens first and the idempotency ledger entry is recorded only
// after it succeeds: a failed apply leaves the key unconsumed, so the
// provider's redelivery gets a fresh attempt instead of a bogus "duplicate".
// A COMPLETED event additionally activates the order's trial.
func (r *Reconciler) HandlePaymentEvent(ctx context.Context, merchantOrderID string, state models.PaymentState, transactionID string) error {
	if merchantOrderID == "" {
		return fmt.Errorf("merchant order ID cannot be empty")
	}

	err := r.orders.MarkOrderState(merchantOrderID, state, transactionID)
	if errors.Is(err, models.ErrOrderAlreadyTerminal) {
		// A late event for an already-settled order carries no new
		// information; stop the provider's retry loop. A missed activation
		// is picked up by the orphan sweep.
		slog.Info("Reconciler.HandlePaymentEvent order already terminal",
			"merchantOrderID", merchantOrderID, "state", state)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark order %s as %s: %w", merchantOrderID, state, err)
	}
	slog.Info("Reconciler.HandlePaymentEvent order state applied",
		"merchantOrderID", merchantOrderID, "state", state, "transactionID", transactionID)

	already, err := r.dedup.AdmitEvent(phonepe.EventKey(merchantOrderID, state))
	if err != nil {
		// The order write stands; a retried delivery re-marks the same state
		// and lands back here.
		return fmt.Errorf("failed to admit payment event: %w", err)
	}
	if already {
		// Another delivery of this event got here first and owns the
		// follow-up side effects.
		slog.Info("Reconciler.HandlePaymentEvent duplicate event skipped",
			"merchantOrderID", merchantOrderID, "state", state)
		return nil
	}

	if state != models.PaymentStateCompleted {
		return nil
	}
	return r.activateOrder(ctx, merchantOrderID)
}

// SetStatusChecker enables status polling for long-PENDING orders during the
// sweep. Without it the sweep only recovers missed activations, not missed
// webhooks.
func (r *Reconciler) SetStatusChecker(sc StatusChecker) {
	r.status = sc
}

// HandleTrialCompleted triggers album assembly for a finished trial exactly
// once, no matter how many times completion is signalled.
func (r *Reconciler) HandleTrialCompleted(ctx context.Context, trialID string) error {
	if trialID == "" {
		return fmt.Errorf("trial ID cannot be empty")
	}

	already, err := r.dedup.AdmitEvent("trial_completed:" + trialID)
	if err != nil {
		return fmt.Errorf("failed to admit trial completion: %w", err)
	}
	if already {
		slog.Info("Reconciler.HandleTrialCompleted duplicate completion skipped", "trialID", trialID)
		return nil
	}

	if err := r.assembler.AssembleAlbum(ctx, trialID); err != nil {
		return fmt.Errorf("failed to assemble album for trial %s: %w", trialID, err)
	}
	slog.Info("Reconciler.HandleTrialCompleted album assembly triggered", "trialID", trialID)
	return nil
}

// ReconcileOrphanedPayments re-runs activation for COMPLETED orders whose
// trial never left awaiting_initial_contact. It recovers from a crash between
// the payment write and the trial write; activation is state-guarded, so a
// concurrent live-path activation simply wins.
func (r *Reconciler) ReconcileOrphanedPayments(ctx context.Context) error {
	orphans, err := r.orders.ListUnactivatedCompletedOrders(time.Now().Add(-orphanGrace), orphanClaimLimit)
	if err != nil {
		return fmt.Errorf("failed to list orphaned payments: %w", err)
	}
	for i := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o := &orphans[i]
		slog.Warn("Reconciler.ReconcileOrphanedPayments recovering stranded trial",
			"merchantOrderID", o.MerchantOrderID, "trialID", o.TrialID)
		if err := r.activator.StartTrial(ctx, o.TrialID); err != nil {
			slog.Error("Reconciler.ReconcileOrphanedPayments activation failed",
				"error", err, "merchantOrderID", o.MerchantOrderID, "trialID", o.TrialID)
		}
	}
	return nil
}

// ReconcileStalePendingOrders polls the gateway for orders stuck in PENDING
// past pendingPollAge and replays the authoritative state through the normal
// event path. It recovers orders whose webhook was lost or expired. A nil
// status checker disables polling.
func (r *Reconciler) ReconcileStalePendingOrders(ctx context.Context) error {
	if r.status == nil {
		return nil
	}
	stale, err := r.orders.ListStalePendingOrders(time.Now().Add(-pendingPollAge), orphanClaimLimit)
	if err != nil {
		return fmt.Errorf("failed to list stale pending orders: %w", err)
	}
	for i := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o := &stale[i]
		status, err := r.status.CheckStatus(ctx, o.MerchantOrderID)
		if err != nil {
			slog.Warn("Reconciler.ReconcileStalePendingOrders status poll failed",
				"error", err, "merchantOrderID", o.MerchantOrderID)
			continue
		}
		if status.State == models.PaymentStatePending {
			continue
		}
		slog.Warn("Reconciler.ReconcileStalePendingOrders recovering missed webhook",
			"merchantOrderID", o.MerchantOrderID, "state", status.State)
		if err := r.HandlePaymentEvent(ctx, o.MerchantOrderID, status.State, status.TransactionID); err != nil {
			slog.Error("Reconciler.ReconcileStalePendingOrders failed to apply polled state",
				"error", err, "merchantOrderID", o.MerchantOrderID, "state", status.State)
		}
	}
	return nil
}

// Run performs an immediate sweep, then repeats on the sweep interval until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("Reconciler.Run starting", "sweepInterval", r.sweepInterval)
	r.sweep(ctx)

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciler.Run stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	if err := r.ReconcileStalePendingOrders(ctx); err != nil {
		slog.Error("Reconciler.Run stale pending sweep failed", "error", err)
	}
	if err := r.ReconcileOrphanedPayments(ctx); err != nil {
		slog.Error("Reconciler.Run orphan sweep failed", "error", err)
	}
}

func (r *Reconciler) activateOrder(ctx context.Context, merchantOrderID string) error {
	order, err := r.orders.GetOrder(merchantOrderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", merchantOrderID, err)
	}
	if err := r.activator.StartTrial(ctx, order.TrialID); err != nil {
		// The order is settled and the ledger entry exists; the orphan
		// sweep retries activation later.
		return fmt.Errorf("failed to activate trial %s: %w", order.TrialID, err)
	}
	return nil
}
