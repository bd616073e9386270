package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// scriptedProvider returns a fixed sequence of status updates, repeating the
// last one once the script is exhausted.
type scriptedProvider struct {
	mu     sync.Mutex
	script []order.StatusUpdate
	calls  int
}

func (p *scriptedProvider) Name() string { return "pesabridge" }

func (p *scriptedProvider) Quote(_ context.Context, _ string, _ decimal.Decimal, _ order.Currency) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (p *scriptedProvider) CreateOrder(_ context.Context, _ order.CreateOrderParams) (*order.Order, error) {
	return nil, nil
}

func (p *scriptedProvider) MinimumAmount(_ order.Currency) decimal.Decimal { return decimal.Zero }

func (p *scriptedProvider) OrderStatus(_ context.Context, id string) (order.StatusUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	upd := p.script[i]
	upd.OrderID = id
	return upd, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingRepo records status writes, enforcing the monotonic advance the
// real repository performs.
type recordingRepo struct {
	mu       sync.Mutex
	statuses map[string]order.Status
	writes   []order.Status
	receipts map[string]string
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{
		statuses: make(map[string]order.Status),
		receipts: make(map[string]string),
	}
}

func (r *recordingRepo) Create(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[o.ID] = o.Status
	return nil
}

func (r *recordingRepo) Get(_ context.Context, _ string) (*order.Order, error) { return nil, nil }

func (r *recordingRepo) AdvanceStatus(_ context.Context, id string, s order.Status) (order.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.statuses[id]
	if current == "" || order.CanAdvance(current, s) {
		r.statuses[id] = s
		r.writes = append(r.writes, s)
		return s, nil
	}
	return current, nil
}

func (r *recordingRepo) SetTransferHash(_ context.Context, _, _ string) error { return nil }

func (r *recordingRepo) SetReceiptCode(_ context.Context, id, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[id] = code
	return nil
}

func (r *recordingRepo) ListUnsettled(_ context.Context) ([]order.Order, error) { return nil, nil }

func (r *recordingRepo) writeLog() []order.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]order.Status(nil), r.writes...)
}

func (r *recordingRepo) status(id string) order.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

func (r *recordingRepo) receipt(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receipts[id]
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		Backoff: Backoff{
			FastAttempts: 3,
			FastInterval: 5 * time.Millisecond,
			Factor:       1.5,
			MaxInterval:  20 * time.Millisecond,
		},
		MaxAttempts: maxAttempts,
		Deadline:    5 * time.Second,
	}
}

func confirmedOrder() *order.Order {
	return &order.Order{ID: "po-1", Status: order.StatusProcessing, TransferHash: "0xhash"}
}

func TestReconcile_PollReachesSettled(t *testing.T) {
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
		{Status: order.StatusProcessing, ProviderStatus: "fulfilling"},
		{Status: order.StatusSettled, ProviderStatus: "settled", ReceiptCode: "SBC9KXTQ2R"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(20), zap.NewNop())

	res := <-r.Reconcile(context.Background(), confirmedOrder(), p)

	require.NoError(t, res.Err)
	assert.Equal(t, order.StatusSettled, res.Status)
	assert.Equal(t, SourcePoll, res.Source)
	assert.Equal(t, "SBC9KXTQ2R", repo.receipt("po-1"))
}

func TestReconcile_TerminalFailureAfterTransfer(t *testing.T) {
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
		{Status: order.StatusRefunded, ProviderStatus: "refunded"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(20), zap.NewNop())

	res := <-r.Reconcile(context.Background(), confirmedOrder(), p)

	var sErr *order.SettlementError
	require.ErrorAs(t, res.Err, &sErr)
	assert.Equal(t, order.StatusRefunded, sErr.Status)
	assert.Equal(t, order.StatusRefunded, res.Status)
}

func TestReconcile_BoundedPolling(t *testing.T) {
	// Provider never reaches a terminal status; the session must still end.
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(5), zap.NewNop())

	res := <-r.Reconcile(context.Background(), confirmedOrder(), p)

	var tErr *order.ReconciliationTimeoutError
	require.ErrorAs(t, res.Err, &tErr)
	assert.LessOrEqual(t, p.callCount(), 5)
	// Timeout is unknown, not failure: no terminal status was written.
	for _, s := range repo.writeLog() {
		assert.False(t, s.Terminal(), "wrote terminal status %s on timeout", s)
	}
}

func TestReconcile_WebhookWinsRace(t *testing.T) {
	// Polls stay non-terminal long enough for the webhook to land first.
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(100), zap.NewNop())

	results := r.Reconcile(context.Background(), confirmedOrder(), p)

	webhook := order.StatusUpdate{
		OrderID:        "po-1",
		Status:         order.StatusSettled,
		ProviderStatus: "settled",
		ReceiptCode:    "WHK12345",
		Payload:        []byte(`{"status":"settled","receiptCode":"WHK12345"}`),
	}
	won := r.Deliver(context.Background(), webhook)
	assert.True(t, won)

	res := <-results
	require.NoError(t, res.Err)
	assert.Equal(t, SourceWebhook, res.Source)
	// The webhook's data is what got persisted.
	assert.Equal(t, "WHK12345", repo.receipt("po-1"))
	assert.Equal(t, order.StatusSettled, repo.status("po-1"))
}

func TestReconcile_ExactlyOnceAcrossSignals(t *testing.T) {
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusSettled, ProviderStatus: "settled"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(20), zap.NewNop())

	results := r.Reconcile(context.Background(), confirmedOrder(), p)

	// Hammer the webhook path with duplicate terminal deliveries while the
	// poll loop races toward the same terminal status.
	webhook := order.StatusUpdate{OrderID: "po-1", Status: order.StatusSettled, ProviderStatus: "settled"}
	var wins int
	for range 10 {
		if r.Deliver(context.Background(), webhook) {
			wins++
		}
	}

	res := <-results
	assert.Equal(t, order.StatusSettled, res.Status)
	assert.LessOrEqual(t, wins, 1)

	// No second result is ever emitted.
	select {
	case extra := <-results:
		t.Fatalf("unexpected second result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconcile_CancelledCallerStillGetsResult(t *testing.T) {
	// Provider never turns terminal, so only cancellation can end the session.
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(1000), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	results := r.Reconcile(ctx, confirmedOrder(), p)
	cancel()

	select {
	case res := <-results:
		var tErr *order.ReconciliationTimeoutError
		require.ErrorAs(t, res.Err, &tErr)
		assert.Equal(t, "po-1", res.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no result after cancelling the session context")
	}

	// The session must be torn down, so a late webhook finds no session and
	// only persists.
	r.mu.Lock()
	_, registered := r.sessions["po-1"]
	r.mu.Unlock()
	assert.False(t, registered, "session still registered after cancellation")

	won := r.Deliver(context.Background(), order.StatusUpdate{
		OrderID: "po-1", Status: order.StatusSettled, ProviderStatus: "settled",
	})
	assert.False(t, won)
	assert.Equal(t, order.StatusSettled, repo.status("po-1"))
}

func TestReconcile_DeadlineCutsTimerWait(t *testing.T) {
	// The first poll interval is far beyond the deadline; the session must
	// end at the deadline, not after the interval elapses.
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
	}}
	repo := newRecordingRepo()
	policy := Policy{
		Backoff: Backoff{
			FastAttempts: 3,
			FastInterval: time.Minute,
			Factor:       1.5,
			MaxInterval:  time.Minute,
		},
		MaxAttempts: 100,
		Deadline:    20 * time.Millisecond,
	}
	r := NewReconciler(repo, policy, zap.NewNop())

	start := time.Now()
	res := <-r.Reconcile(context.Background(), confirmedOrder(), p)

	var tErr *order.ReconciliationTimeoutError
	require.ErrorAs(t, res.Err, &tErr)
	assert.Less(t, time.Since(start), time.Second, "deadline did not bound the timer wait")
	assert.Zero(t, p.callCount())
}

func TestReconcile_MonotonicWrites(t *testing.T) {
	p := &scriptedProvider{script: []order.StatusUpdate{
		{Status: order.StatusProcessing, ProviderStatus: "processing"},
		{Status: order.StatusSettled, ProviderStatus: "settled"},
		// Late duplicate observations must not regress the row.
		{Status: order.StatusPending, ProviderStatus: "pending"},
	}}
	repo := newRecordingRepo()
	r := NewReconciler(repo, fastPolicy(20), zap.NewNop())

	ord := confirmedOrder()
	require.NoError(t, repo.Create(context.Background(), ord))
	<-r.Reconcile(context.Background(), ord, p)

	// Late webhook after resolution: persisted idempotently, never regresses.
	r.Deliver(context.Background(), order.StatusUpdate{OrderID: "po-1", Status: order.StatusPending})

	writes := repo.writeLog()
	for i := 1; i < len(writes); i++ {
		assert.True(t, writes[i].Rank() >= writes[i-1].Rank(),
			"regressive write %s after %s", writes[i], writes[i-1])
	}
	assert.Equal(t, order.StatusSettled, repo.status("po-1"))
}
