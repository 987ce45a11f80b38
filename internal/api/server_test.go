package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/virasat-app/virasat/internal/catalog"
	"github.com/virasat-app/virasat/internal/models"
	"github.com/virasat-app/virasat/internal/phonepe"
	"github.com/virasat-app/virasat/internal/reconciler"
	"github.com/virasat-app/virasat/internal/store"
	"github.com/virasat-app/virasat/internal/testutil"
)

var nonDigits = regexp.MustCompile(`\D`)

type fakeMessenger struct {
	sent     []string
	messages chan models.InboundMessage
	receipts chan models.Receipt
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		messages: make(chan models.InboundMessage, 10),
		receipts: make(chan models.Receipt, 10),
	}
}

func (f *fakeMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits := nonDigits.ReplaceAllString(recipient, "")
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid recipient %q", recipient)
	}
	return digits, nil
}

func (f *fakeMessenger) SendMessage(_ context.Context, _, body string) error {
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeMessenger) Start(context.Context) error            { return nil }
func (f *fakeMessenger) Stop() error                            { return nil }
func (f *fakeMessenger) Receipts() <-chan models.Receipt        { return f.receipts }
func (f *fakeMessenger) Messages() <-chan models.InboundMessage { return f.messages }

type fakeGateway struct {
	orders     []phonepe.OrderRequest
	createErr  error
	authHeader string
}

func (f *fakeGateway) CreateOrder(_ context.Context, order phonepe.OrderRequest) (*phonepe.OrderResponse, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.orders = append(f.orders, order)
	return &phonepe.OrderResponse{
		TransactionID: "TXN-" + order.MerchantOrderID,
		RedirectURL:   "https://pay.example.com/" + order.MerchantOrderID,
	}, nil
}

func (f *fakeGateway) VerifyWebhookAuthorization(header string) bool {
	return f.authHeader != "" && header == f.authHeader
}

type fakeReconciler struct {
	events []string
	err    error
}

func (f *fakeReconciler) HandlePaymentEvent(_ context.Context, merchantOrderID string, state models.PaymentState, transactionID string) error {
	f.events = append(f.events, fmt.Sprintf("%s:%s:%s", merchantOrderID, state, transactionID))
	return f.err
}

type fakeActivator struct {
	activated []string
}

func (f *fakeActivator) StartTrial(_ context.Context, trialID string) error {
	f.activated = append(f.activated, trialID)
	return nil
}

type fakeAssembler struct{}

func (fakeAssembler) AssembleAlbum(context.Context, string) error { return nil }

func seedAlbum(t *testing.T, st *store.InMemoryStore, active bool) {
	t.Helper()
	if err := st.UpsertAlbum(&models.Album{
		ID:         "alb_childhood",
		Title:      "Childhood Memories",
		PricePaise: 49900,
		Active:     active,
		Questions: []models.AlbumQuestion{
			{Position: 0, TextEN: "Tell us about your first home."},
		},
	}); err != nil {
		t.Fatalf("UpsertAlbum failed: %v", err)
	}
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *fakeGateway, *fakeReconciler) {
	t.Helper()
	st := store.NewInMemoryStore()
	gw := &fakeGateway{authHeader: "sha256-digest"}
	rec := &fakeReconciler{}
	srv := NewServer(st, catalog.New(st, nil, 0), gw, rec, newFakeMessenger(),
		WithRedirectBaseURL("https://virasat.example.com/thanks"))
	return srv, st, gw, rec
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCheckoutCreatesTrialAndOrder(t *testing.T) {
	srv, st, gw, _ := newTestServer(t)
	seedAlbum(t, st, true)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/checkout", CheckoutRequest{
		AlbumID:         "alb_childhood",
		BuyerPhone:      "+91 12345 67890",
		BuyerName:       "Asha",
		StorytellerName: "Dadi",
		Language:        models.LanguageHindi,
	}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Status string           `json:"status"`
		Result CheckoutResponse `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok status, got %q", resp.Status)
	}
	if resp.Result.RedirectURL == "" || resp.Result.AmountPaise != 49900 {
		t.Errorf("unexpected checkout result: %+v", resp.Result)
	}

	trial, err := st.GetTrial(resp.Result.TrialID)
	if err != nil || trial == nil {
		t.Fatalf("expected trial to exist, got %v / %v", trial, err)
	}
	if trial.State != models.TrialStateAwaitingInitialContact {
		t.Errorf("expected awaiting_initial_contact, got %s", trial.State)
	}
	if trial.BuyerPhone != "911234567890" {
		t.Errorf("expected canonicalized buyer phone, got %q", trial.BuyerPhone)
	}

	order, err := st.GetOrder(resp.Result.MerchantOrderID)
	if err != nil {
		t.Fatalf("expected order to exist: %v", err)
	}
	if order.State != models.PaymentStatePending || order.TrialID != trial.ID {
		t.Errorf("unexpected order: %+v", order)
	}
	if len(gw.orders) != 1 || gw.orders[0].AmountPaise != 49900 {
		t.Errorf("unexpected gateway calls: %+v", gw.orders)
	}
}

func TestCheckoutPersistsOrderBeforeGatewayCall(t *testing.T) {
	srv, st, gw, _ := newTestServer(t)
	seedAlbum(t, st, true)
	gw.createErr = fmt.Errorf("gateway unreachable")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/checkout", CheckoutRequest{
		AlbumID:         "alb_childhood",
		BuyerPhone:      "+91 12345 67890",
		StorytellerName: "Dadi",
	}, nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}

	// The row exists even though the gateway never accepted the order, so a
	// webhook racing checkout always finds something to mark.
	orders, err := st.ListStalePendingOrders(time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStalePendingOrders failed: %v", err)
	}
	if len(orders) != 1 || orders[0].State != models.PaymentStatePending {
		t.Errorf("expected one PENDING order row, got %+v", orders)
	}
}

func TestCheckoutRejectsBadInput(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedAlbum(t, st, true)
	h := srv.Handler()

	cases := []struct {
		name string
		req  CheckoutRequest
	}{
		{"unknown album", CheckoutRequest{AlbumID: "alb_nope", BuyerPhone: "911234567890", StorytellerName: "Dadi"}},
		{"bad phone", CheckoutRequest{AlbumID: "alb_childhood", BuyerPhone: "123", StorytellerName: "Dadi"}},
		{"missing storyteller", CheckoutRequest{AlbumID: "alb_childhood", BuyerPhone: "911234567890"}},
		{"bad language", CheckoutRequest{AlbumID: "alb_childhood", BuyerPhone: "911234567890", StorytellerName: "Dadi", Language: "fr"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/checkout", tc.req, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCheckoutRejectsInactiveAlbum(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedAlbum(t, st, false)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/checkout", CheckoutRequest{
		AlbumID: "alb_childhood", BuyerPhone: "911234567890", StorytellerName: "Dadi",
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inactive album, got %d", w.Code)
	}
}

func webhookBody(merchantOrderID, state, txn string) map[string]interface{} {
	return map[string]interface{}{
		"event": "checkout.order.completed",
		"payload": map[string]interface{}{
			"merchantOrderId": merchantOrderID,
			"state":           state,
			"paymentDetails":  []map[string]string{{"transactionId": txn}},
		},
	}
}

func TestPhonePeWebhookRejectsBadAuthorization(t *testing.T) {
	srv, _, _, rec := newTestServer(t)
	h := srv.Handler()

	for _, header := range []map[string]string{nil, {"Authorization": "wrong"}} {
		w := doJSON(t, h, http.MethodPost, "/webhooks/phonepe", webhookBody("VIRM1", "COMPLETED", "TXN1"), header)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("unauthorized webhook reached the reconciler: %v", rec.events)
	}
}

func TestPhonePeWebhookAppliesEvent(t *testing.T) {
	srv, _, _, rec := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/webhooks/phonepe",
		webhookBody("VIRM1", "completed", "TXN1"),
		map[string]string{"Authorization": "sha256-digest"})
	testutil.AssertHTTPStatus(t, http.StatusOK, w.Code, "phonepe webhook")
	testutil.AssertJSONResponse(t, w, "recorded")
	if len(rec.events) != 1 || rec.events[0] != "VIRM1:COMPLETED:TXN1" {
		t.Errorf("unexpected reconciler events: %v", rec.events)
	}
}

func TestPhonePeWebhookRejectsMalformedPayload(t *testing.T) {
	srv, _, _, rec := newTestServer(t)
	h := srv.Handler()
	auth := map[string]string{"Authorization": "sha256-digest"}

	w := doJSON(t, h, http.MethodPost, "/webhooks/phonepe", webhookBody("", "COMPLETED", ""), auth)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing order id, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/webhooks/phonepe", webhookBody("VIRM1", "SETTLED", ""), auth)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown state, got %d", w.Code)
	}
	if len(rec.events) != 0 {
		t.Errorf("malformed webhook reached the reconciler: %v", rec.events)
	}
}

// TestPhonePeWebhookRedeliveryActivatesOnce drives the real reconciler to
// verify the whole idempotent path: two identical deliveries, one trial
// activation.
func TestPhonePeWebhookRedeliveryActivatesOnce(t *testing.T) {
	st := store.NewInMemoryStore()
	seedAlbum(t, st, true)
	if err := st.CreateTrial(&models.Trial{
		ID: "t_paid", BuyerPhone: "911234567890", StorytellerName: "Dadi",
		AlbumID: "alb_childhood", Language: models.LanguageEnglish,
		State: models.TrialStateAwaitingInitialContact, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}
	if err := st.CreateOrder(&models.PaymentOrder{
		MerchantOrderID: "VIRM1", TrialID: "t_paid", AmountPaise: 49900,
		State: models.PaymentStatePending, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	act := &fakeActivator{}
	rec := reconciler.New(st, st, act, fakeAssembler{}, time.Minute)
	gw := &fakeGateway{authHeader: "sha256-digest"}
	srv := NewServer(st, catalog.New(st, nil, 0), gw, rec, newFakeMessenger())
	h := srv.Handler()
	auth := map[string]string{"Authorization": "sha256-digest"}

	for i := 0; i < 2; i++ {
		w := doJSON(t, h, http.MethodPost, "/webhooks/phonepe", webhookBody("VIRM1", "COMPLETED", "TXN1"), auth)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}

	if len(act.activated) != 1 || act.activated[0] != "t_paid" {
		t.Errorf("expected exactly one activation, got %v", act.activated)
	}
	order, _ := st.GetOrder("VIRM1")
	if order.State != models.PaymentStateCompleted {
		t.Errorf("expected COMPLETED, got %s", order.State)
	}
}

func TestTrialEndpoints(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	if err := st.CreateTrial(&models.Trial{
		ID: "t_known", BuyerPhone: "911234567890", StorytellerName: "Dadi",
		AlbumID: "alb_childhood", Language: models.LanguageEnglish,
		State: models.TrialStateAwaitingReadiness, NeedsAttention: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateTrial failed: %v", err)
	}
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/trials/t_known", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for known trial, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/trials/t_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown trial, got %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/trials/attention", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for attention list, got %d", w.Code)
	}
	var resp struct {
		Result []models.Trial `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode attention list: %v", err)
	}
	if len(resp.Result) != 1 || resp.Result[0].ID != "t_known" {
		t.Errorf("unexpected attention list: %+v", resp.Result)
	}
}

func TestAlbumEndpoints(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	seedAlbum(t, st, true)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodGet, "/albums", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for album list, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/albums/alb_childhood", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for known album, got %d", w.Code)
	}
	w = doJSON(t, h, http.MethodGet, "/albums/alb_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown album, got %d", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, w.Code, "health endpoint")
	health := testutil.AssertJSONResponse(t, w, "healthy")
	if _, ok := health["trials_needing_attention"]; !ok {
		t.Error("expected trials_needing_attention in health payload")
	}
}

func TestMethodGuards(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/checkout"},
		{http.MethodGet, "/webhooks/phonepe"},
		{http.MethodPost, "/trials/t_x"},
		{http.MethodPost, "/albums"},
		{http.MethodDelete, "/health"},
	}
	for _, tc := range cases {
		w := doJSON(t, h, tc.method, tc.path, nil, nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, w.Code)
		}
	}
}
