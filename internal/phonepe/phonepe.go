// Package phonepe is a REST client for the PhonePe payment gateway.
//
// It handles OAuth client-credentials auth with an in-process token cache,
// order creation, status polling, and webhook authorization checks. Order
// idempotency is the caller's responsibility via merchant order IDs; webhook
// deduplication belongs to the store's idempotency ledger.
package phonepe

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/virasat-app/virasat/internal/models"
)

const (
	// tokenTTL bounds token staleness. PhonePe tokens live longer; refreshing
	// early keeps a safety margin without tracking the provider's clock.
	tokenTTL = 15 * time.Minute

	defaultHTTPTimeout = 10 * time.Second
)

// Config holds PhonePe credentials and endpoints.
type Config struct {
	BaseURL      string // e.g. https://api.phonepe.com/apis/pg
	AuthURL      string // e.g. https://api.phonepe.com/apis/identity-manager/v1/oauth/token
	ClientID     string
	ClientSecret string
	// WebhookUser and WebhookPass are the shared credentials PhonePe hashes
	// into the webhook Authorization header.
	WebhookUser string
	WebhookPass string
	HTTPTimeout time.Duration
}

// ProviderError carries the gateway's error code and message for non-2xx or
// malformed responses.
type ProviderError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("phonepe: %s (%s, http %d)", e.Message, e.Code, e.HTTPStatus)
}

// OrderRequest is the input to CreateOrder.
type OrderRequest struct {
	MerchantOrderID string
	AmountPaise     int64
	RedirectURL     string
	Metadata        map[string]string
}

// OrderResponse is the gateway's answer to order creation.
type OrderResponse struct {
	TransactionID string
	RedirectURL   string
}

// StatusResponse is the gateway's answer to a status poll.
type StatusResponse struct {
	TransactionID string
	AmountPaise   int64
	State         models.PaymentState
}

// Client is the PhonePe gateway client. Safe for concurrent use.
type Client struct {
	cfg    Config
	client *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a PhonePe client. ClientID and ClientSecret are required.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("phonepe client credentials not configured")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("phonepe base URL not configured")
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, fmt.Errorf("phonepe auth URL not configured")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// GetAuthToken returns a cached OAuth token, fetching a fresh one when the
// cache is cold or expired. Concurrent callers during a miss are collapsed
// into a single fetch.
func (c *Client) GetAuthToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("client_version", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", providerError(body, status)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.AccessToken == "" {
		return "", &ProviderError{Code: "MALFORMED_RESPONSE", Message: "auth response missing access_token", HTTPStatus: status}
	}

	c.token = payload.AccessToken
	c.tokenExpiry = time.Now().Add(tokenTTL)
	slog.Debug("PhonePe auth token refreshed")
	return c.token, nil
}

// CreateOrder creates a payment order. Callers supply the merchant order ID;
// the gateway treats it as the idempotency handle.
func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	token, err := c.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	reqBody := map[string]interface{}{
		"merchantOrderId": order.MerchantOrderID,
		"amount":          order.AmountPaise,
		"paymentFlow": map[string]interface{}{
			"type": "PG_CHECKOUT",
			"merchantUrls": map[string]string{
				"redirectUrl": order.RedirectURL,
			},
		},
	}
	if len(order.Metadata) > 0 {
		reqBody["metaInfo"] = order.Metadata
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/checkout/v2/pay", strings.NewReader(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "O-Bearer "+token)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		slog.Error("PhonePe CreateOrder rejected", "merchantOrderID", order.MerchantOrderID, "status", status)
		return nil, providerError(body, status)
	}

	var payload struct {
		OrderID     string `json:"orderId"`
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.OrderID == "" || payload.RedirectURL == "" {
		return nil, &ProviderError{Code: "MALFORMED_RESPONSE", Message: "order response missing orderId or redirectUrl", HTTPStatus: status}
	}
	slog.Info("PhonePe order created", "merchantOrderID", order.MerchantOrderID, "transactionID", payload.OrderID)
	return &OrderResponse{TransactionID: payload.OrderID, RedirectURL: payload.RedirectURL}, nil
}

// CheckStatus polls the settlement state of an order. Read-only and safe to
// call repeatedly.
func (c *Client) CheckStatus(ctx context.Context, merchantOrderID string) (*StatusResponse, error) {
	token, err := c.GetAuthToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/checkout/v2/order/"+url.PathEscape(merchantOrderID)+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Authorization", "O-Bearer "+token)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, providerError(body, status)
	}

	var payload struct {
		State          string `json:"state"`
		Amount         int64  `json:"amount"`
		PaymentDetails []struct {
			TransactionID string `json:"transactionId"`
		} `json:"paymentDetails"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.State == "" {
		return nil, &ProviderError{Code: "MALFORMED_RESPONSE", Message: "status response missing state", HTTPStatus: status}
	}

	resp := &StatusResponse{AmountPaise: payload.Amount, State: mapState(payload.State)}
	if len(payload.PaymentDetails) > 0 {
		resp.TransactionID = payload.PaymentDetails[0].TransactionID
	}
	return resp, nil
}

// VerifyWebhookAuthorization reports whether an inbound webhook's
// Authorization header matches the locally computed digest of the configured
// shared credentials. Any configuration or header gap fails closed.
func (c *Client) VerifyWebhookAuthorization(header string) bool {
	if c.cfg.WebhookUser == "" || c.cfg.WebhookPass == "" {
		slog.Error("PhonePe webhook credentials not configured, rejecting webhook")
		return false
	}
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "SHA256"))
	if header == "" {
		return false
	}
	sum := sha256.Sum256([]byte(c.cfg.WebhookUser + ":" + c.cfg.WebhookPass))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(header)), []byte(expected)) == 1
}

// EventKey builds the idempotency ledger key for a webhook that lacks a
// stable provider event ID.
func EventKey(merchantOrderID string, state models.PaymentState) string {
	return fmt.Sprintf("phonepe:%s:%s", merchantOrderID, state)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("phonepe request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read phonepe response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func providerError(body []byte, status int) *ProviderError {
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Code == "" {
		return &ProviderError{Code: "UNKNOWN", Message: strings.TrimSpace(string(body)), HTTPStatus: status}
	}
	return &ProviderError{Code: payload.Code, Message: payload.Message, HTTPStatus: status}
}

func mapState(state string) models.PaymentState {
	switch strings.ToUpper(state) {
	case "COMPLETED":
		return models.PaymentStateCompleted
	case "FAILED", "EXPIRED":
		return models.PaymentStateFailed
	default:
		return models.PaymentStatePending
	}
}
