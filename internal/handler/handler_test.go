package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/payout"
	"github.com/xenking/stablepay-offramp/internal/settlement"
	"github.com/xenking/stablepay-offramp/internal/transfer"
	"github.com/xenking/stablepay-offramp/internal/webhook"
	"github.com/xenking/stablepay-offramp/pkg/health"
)

const webhookSecret = "whsec_test"

type stubProvider struct {
	mu       sync.Mutex
	statuses []order.Status
}

func (s *stubProvider) Name() string { return "pesabridge" }

func (s *stubProvider) Quote(context.Context, string, decimal.Decimal, order.Currency) (decimal.Decimal, error) {
	return decimal.NewFromInt(129), nil
}

func (s *stubProvider) CreateOrder(_ context.Context, p order.CreateOrderParams) (*order.Order, error) {
	return &order.Order{
		ID:             "ord-http-1",
		ReceiveAddress: "0xreceive",
		SourceAmount:   p.Amount,
		LocalAmount:    p.Amount.Mul(p.Rate).Round(order.FiatPlaces),
		Currency:       p.Currency,
		ValidUntil:     time.Now().Add(time.Hour),
		Status:         order.StatusInitiated,
	}, nil
}

func (s *stubProvider) OrderStatus(_ context.Context, id string) (order.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return order.StatusUpdate{OrderID: id, Status: st}, nil
}

func (s *stubProvider) MinimumAmount(order.Currency) decimal.Decimal { return decimal.Zero }

func (s *stubProvider) MapStatus(native string) order.Status {
	if native == "settled" {
		return order.StatusSettled
	}
	return order.StatusProcessing
}

type stubSelector struct{ p order.Provider }

func (s stubSelector) ForCurrency(order.Currency) (order.Provider, error) { return s.p, nil }
func (s stubSelector) ByName(name string) (order.Provider, bool)          { return s.p, name == "pesabridge" }

type stubRates struct{}

func (stubRates) Rate(context.Context, string, decimal.Decimal, order.Currency) (decimal.Decimal, error) {
	return decimal.NewFromInt(129), nil
}

type stubBalance struct{}

func (stubBalance) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

type memRepo struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newMemRepo() *memRepo { return &memRepo{orders: make(map[string]*order.Order)} }

func (m *memRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %q not found", id)
	}
	cp := *o
	return &cp, nil
}

func (m *memRepo) AdvanceStatus(_ context.Context, id string, status order.Status) (order.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return "", fmt.Errorf("order %q not found", id)
	}
	if order.CanAdvance(o.Status, status) {
		o.Status = status
	}
	return o.Status, nil
}

func (m *memRepo) SetTransferHash(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].TransferHash = hash
	return nil
}

func (m *memRepo) SetReceiptCode(_ context.Context, id, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].ReceiptCode = code
	return nil
}

func (m *memRepo) ListUnsettled(context.Context) ([]order.Order, error) { return nil, nil }

type instantSubmitter struct{}

func (instantSubmitter) Submit(context.Context, string, string, decimal.Decimal) (string, error) {
	return "0xhash", nil
}

func (instantSubmitter) WaitMined(context.Context, string) error { return nil }

func newServer(t *testing.T, prov *stubProvider) (*httptest.Server, *memRepo) {
	t.Helper()
	lg := zap.NewNop()
	repo := newMemRepo()
	sel := stubSelector{p: prov}

	mgr := order.NewManager(sel, stubRates{}, stubBalance{}, repo, lg)
	exec := transfer.NewExecutor(instantSubmitter{}, time.Second, lg)
	rec := settlement.NewReconciler(repo, settlement.Policy{
		Backoff: settlement.Backoff{
			FastAttempts: 3,
			FastInterval: 5 * time.Millisecond,
			Factor:       1.5,
			MaxInterval:  20 * time.Millisecond,
		},
		MaxAttempts: 20,
		Deadline:    5 * time.Second,
	}, lg)
	orch := payout.NewOrchestrator(mgr, exec, rec, sel, repo, nil, lg)

	processor := webhook.NewProcessor(
		webhook.NewVerifier(map[string]string{"pesabridge": webhookSecret}),
		webhook.NewReplayGuard(1000, 0.001),
		sel,
		nil,
		orch,
		lg,
	)

	h := NewHandler(orch, repo, processor, health.New(), lg)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, repo
}

func createBody() string {
	return `{
		"asset": "USDC",
		"amount": "100",
		"currency": "KES",
		"recipient": {"kind": "phone", "number": "+254712345678"},
		"recipientName": "Jane Wanjiku"
	}`
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreatePayoutAccepted(t *testing.T) {
	prov := &stubProvider{statuses: []order.Status{order.StatusSettled}}
	srv, repo := newServer(t, prov)

	resp := postJSON(t, srv.URL+"/api/payouts", createBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "ord-http-1", body["orderId"])
	assert.Equal(t, "pesabridge", body["provider"])
	assert.Equal(t, "0xreceive", body["receiveAddress"])

	// The background flow should settle the order.
	require.Eventually(t, func() bool {
		o, err := repo.Get(context.Background(), "ord-http-1")
		return err == nil && o.Status == order.StatusSettled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCreatePayoutValidationErrors(t *testing.T) {
	prov := &stubProvider{statuses: []order.Status{order.StatusProcessing}}
	srv, _ := newServer(t, prov)

	resp := postJSON(t, srv.URL+"/api/payouts", `{"asset":"USDC","amount":"-5","currency":"KES","recipient":{"kind":"phone","number":"1"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/payouts", `{"asset":"USDC","amount":"100","currency":"KES","recipient":{"kind":"bank_account","account":"123"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/payouts", "not json at all")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSettlementStatusEndpoint(t *testing.T) {
	prov := &stubProvider{statuses: []order.Status{order.StatusProcessing}}
	srv, repo := newServer(t, prov)

	require.NoError(t, repo.Create(context.Background(), &order.Order{
		ID:          "ord-done",
		Status:      order.StatusSettled,
		ReceiptCode: "RCT1",
	}))

	resp, err := http.Get(srv.URL + "/api/settlement/ord-done/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, "settled", body["status"])
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "RCT1", body["receiptCode"])

	resp, err = http.Get(srv.URL + "/api/settlement/ord-missing/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookEndpoint(t *testing.T) {
	// Provider never reports terminal over polling; settlement finishes via
	// the webhook.
	prov := &stubProvider{statuses: []order.Status{order.StatusProcessing}}
	srv, repo := newServer(t, prov)

	resp := postJSON(t, srv.URL+"/api/payouts", createBody())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	payload := `{"eventId":"evt-1","event":"order.status_changed","data":{"id":"ord-http-1","status":"settled","receiptCode":"WHK1"}}`

	// Unsigned deliveries are rejected.
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/pesabridge", strings.NewReader(payload))
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Signed delivery lands, possibly after the settlement session registers.
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/pesabridge", strings.NewReader(payload))
		if err != nil {
			return false
		}
		req.Header.Set(webhook.SignatureHeader, webhook.Sign(webhookSecret, []byte(payload)))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		o, err := repo.Get(context.Background(), "ord-http-1")
		return err == nil && o.Status == order.StatusSettled && o.ReceiptCode == "WHK1"
	}, 5*time.Second, 10*time.Millisecond)

	// Unknown provider path.
	resp3 := postJSON(t, srv.URL+"/webhooks/ghost", payload)
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestCancelPayout(t *testing.T) {
	prov := &stubProvider{statuses: []order.Status{order.StatusProcessing}}
	srv, _ := newServer(t, prov)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/payouts/ord-unknown", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	prov := &stubProvider{statuses: []order.Status{order.StatusProcessing}}
	srv, _ := newServer(t, prov)

	resp, err := http.Get(srv.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
