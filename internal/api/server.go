// Package api exposes Virasat's HTTP surface: checkout, payment and
// messaging webhooks, and read endpoints for support tooling.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/virasat-app/virasat/internal/catalog"
	"github.com/virasat-app/virasat/internal/messaging"
	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/phonepe"
	"github.com/virasat-app/virasat/internal/store"
)

const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// shutdownTimeout bounds graceful shutdown on context cancellation.
	shutdownTimeout = 10 * time.Second
)

// PaymentGateway is the payment provider surface the server needs.
// *phonepe.Client satisfies it.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, order phonepe.OrderRequest) (*phonepe.OrderResponse, error)
	VerifyWebhookAuthorization(header string) bool
}

// PaymentReconciler applies verified payment events. *reconciler.Reconciler
// satisfies it.
type PaymentReconciler interface {
	HandlePaymentEvent(ctx context.Context, merchantOrderID string, state models.PaymentState, transactionID string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// RedirectBaseURL is where PhonePe sends the buyer after checkout.
	RedirectBaseURL string
	// TwilioWebhook handles inbound Twilio form posts when the Twilio
	// transport is active; nil disables the route.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRedirectBaseURL sets the post-payment redirect base URL.
func WithRedirectBaseURL(u string) Option {
	return func(o *Opts) { o.RedirectBaseURL = u }
}

// WithTwilioWebhook enables the Twilio inbound webhook route.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server wires the HTTP handlers to the engine's collaborators.
type Server struct {
	opts       Opts
	store      store.Store
	albums     catalog.Service
	gateway    PaymentGateway
	reconciler PaymentReconciler
	msgService messaging.Service
}

// NewServer creates an API server.
func NewServer(st store.Store, albums catalog.Service, gateway PaymentGateway, rec PaymentReconciler, msgService messaging.Service, options ...Option) *Server {
	opts := Opts{Addr: DefaultAddr}
	for _, opt := range options {
		opt(&opts)
	}
	return &Server{
		opts:       opts,
		store:      st,
		albums:     albums,
		gateway:    gateway,
		reconciler: rec,
		msgService: msgService,
	}
}

// Handler builds the route table. Split from Run so tests can drive the mux
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/checkout", s.checkoutHandler)
	mux.HandleFunc("/webhooks/phonepe", s.phonepeWebhookHandler)
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("/webhooks/twilio", s.opts.TwilioWebhook)
	}
	mux.HandleFunc("/trials/", s.trialsHandler)
	mux.HandleFunc("/albums", s.listAlbumsHandler)
	mux.HandleFunc("/albums/", s.getAlbumHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run shutdown failed", "error", err)
			return err
		}
		slog.Info("Server.Run stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// The attention queue doubles as a cheap store liveness probe.
	flagged, err := s.store.ListTrialsNeedingAttention()
	statusCode := http.StatusOK
	if err != nil {
		slog.Warn("Server.healthHandler store probe failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to query trial store"
		statusCode = http.StatusServiceUnavailable
	} else {
		healthData["trials_needing_attention"] = len(flagged)
	}

	writeJSONResponse(w, statusCode, healthData)
}
