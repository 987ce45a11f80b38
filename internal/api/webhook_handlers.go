package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/virasat-app/virasat/internal/models"
)

// phonepeWebhookPayload is the provider's order state change notification.
type phonepeWebhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		MerchantOrderID string `json:"merchantOrderId"`
		State           string `json:"state"`
		PaymentDetails  []struct {
			TransactionID string `json:"transactionId"`
		} `json:"paymentDetails"`
	} `json:"payload"`
}

// phonepeWebhookHandler applies a payment state change. The authorization
// header is verified before the body is even parsed, and a verification
// failure is logged at elevated severity: it is either misconfiguration or
// someone probing the endpoint.
func (s *Server) phonepeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !s.gateway.VerifyWebhookAuthorization(r.Header.Get("Authorization")) {
		slog.Error("Server.phonepeWebhookHandler: webhook authorization rejected", "remoteAddr", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
		return
	}

	var payload phonepeWebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		slog.Warn("Server.phonepeWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	merchantOrderID := payload.Payload.MerchantOrderID
	state := models.PaymentState(strings.ToUpper(payload.Payload.State))
	if merchantOrderID == "" {
		slog.Warn("Server.phonepeWebhookHandler: missing merchant order ID", "event", payload.Event)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing merchantOrderId"))
		return
	}
	switch state {
	case models.PaymentStatePending, models.PaymentStateCompleted, models.PaymentStateFailed:
	default:
		slog.Warn("Server.phonepeWebhookHandler: unknown order state",
			"merchantOrderID", merchantOrderID, "state", payload.Payload.State, "event", payload.Event)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown order state"))
		return
	}

	transactionID := ""
	if len(payload.Payload.PaymentDetails) > 0 {
		transactionID = payload.Payload.PaymentDetails[0].TransactionID
	}

	err := s.reconciler.HandlePaymentEvent(r.Context(), merchantOrderID, state, transactionID)
	if errors.Is(err, models.ErrOrderNotFound) {
		slog.Warn("Server.phonepeWebhookHandler: event for unknown order",
			"merchantOrderID", merchantOrderID, "state", state)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown merchant order"))
		return
	}
	if err != nil {
		slog.Error("Server.phonepeWebhookHandler: failed to apply payment event",
			"error", err, "merchantOrderID", merchantOrderID, "state", state)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to apply payment event"))
		return
	}

	// Duplicates also land here: the provider must see success so it stops
	// redelivering.
	writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Payment event processed"))
}
