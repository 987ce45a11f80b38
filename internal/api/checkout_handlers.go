package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/phonepe"
	"github.com/virasat-app/virasat/internal/util"
)

// CheckoutRequest is the payload for POST /checkout.
type CheckoutRequest struct {
	AlbumID          string          `json:"album_id"`
	BuyerPhone       string          `json:"buyer_phone"`
	BuyerName        string          `json:"buyer_name,omitempty"`
	StorytellerName  string          `json:"storyteller_name"`
	StorytellerPhone string          `json:"storyteller_phone,omitempty"`
	Language         models.Language `json:"language,omitempty"`
}

// CheckoutResponse is returned after a trial and its payment order are
// created. The buyer completes payment at RedirectURL; the trial stays in
// awaiting_initial_contact until the payment webhook arrives.
type CheckoutResponse struct {
	TrialID         string `json:"trial_id"`
	MerchantOrderID string `json:"merchant_order_id"`
	RedirectURL     string `json:"redirect_url"`
	AmountPaise     int64  `json:"amount_paise"`
}

func (s *Server) checkoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.checkoutHandler: processing checkout request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.checkoutHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.checkoutHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	buyerPhone, err := s.msgService.ValidateAndCanonicalizeRecipient(req.BuyerPhone)
	if err != nil {
		slog.Warn("Server.checkoutHandler: buyer phone validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	storytellerPhone := ""
	if req.StorytellerPhone != "" {
		storytellerPhone, err = s.msgService.ValidateAndCanonicalizeRecipient(req.StorytellerPhone)
		if err != nil {
			slog.Warn("Server.checkoutHandler: storyteller phone validation failed", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	language := req.Language
	if language == "" {
		language = models.LanguageEnglish
	}

	trial := &models.Trial{
		ID:               util.GenerateTrialID(),
		BuyerPhone:       buyerPhone,
		BuyerName:        req.BuyerName,
		StorytellerName:  req.StorytellerName,
		StorytellerPhone: storytellerPhone,
		AlbumID:          req.AlbumID,
		Language:         language,
		State:            models.TrialStateAwaitingInitialContact,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := trial.Validate(); err != nil {
		slog.Warn("Server.checkoutHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	album, err := s.albums.Album(r.Context(), req.AlbumID)
	if errors.Is(err, models.ErrAlbumNotFound) || errors.Is(err, models.ErrAlbumInactive) {
		slog.Warn("Server.checkoutHandler: album not purchasable", "error", err, "albumID", req.AlbumID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err != nil {
		slog.Error("Server.checkoutHandler: failed to load album", "error", err, "albumID", req.AlbumID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load album"))
		return
	}

	if err := s.store.CreateTrial(trial); err != nil {
		slog.Error("Server.checkoutHandler: failed to create trial", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create trial"))
		return
	}

	// The local order row must exist before the gateway hears about the
	// order: PhonePe can deliver the first webhook faster than CreateOrder
	// returns, and the webhook path needs a row to mark.
	merchantOrderID := util.GenerateMerchantOrderID()
	if err := s.store.CreateOrder(&models.PaymentOrder{
		MerchantOrderID: merchantOrderID,
		TrialID:         trial.ID,
		AmountPaise:     album.PricePaise,
		State:           models.PaymentStatePending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}); err != nil {
		slog.Error("Server.checkoutHandler: failed to persist payment order",
			"error", err, "merchantOrderID", merchantOrderID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to persist payment order"))
		return
	}

	orderResp, err := s.gateway.CreateOrder(r.Context(), phonepe.OrderRequest{
		MerchantOrderID: merchantOrderID,
		AmountPaise:     album.PricePaise,
		RedirectURL:     s.opts.RedirectBaseURL,
		Metadata: map[string]string{
			"trialId": trial.ID,
			"albumId": album.ID,
		},
	})
	if err != nil {
		// The PENDING row stays behind; it never completes, so it is inert.
		slog.Error("Server.checkoutHandler: payment order creation failed",
			"error", err, "merchantOrderID", merchantOrderID, "trialID", trial.ID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to create payment order"))
		return
	}

	slog.Info("Server.checkoutHandler: checkout created",
		"trialID", trial.ID, "merchantOrderID", merchantOrderID, "albumID", album.ID, "amountPaise", album.PricePaise)
	writeJSONResponse(w, http.StatusCreated, models.Success(CheckoutResponse{
		TrialID:         trial.ID,
		MerchantOrderID: merchantOrderID,
		RedirectURL:     orderResp.RedirectURL,
		AmountPaise:     album.PricePaise,
	}))
}
