// Package payout sequences a settlement end to end: order creation, the
// on-chain transfer and fiat settlement reconciliation, exposed to callers
// as a single lifecycle with a one-shot terminal outcome.
package payout

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
	"github.com/xenking/stablepay-offramp/internal/settlement"
	"github.com/xenking/stablepay-offramp/internal/transfer"
)

// Terminal is the single final outcome of a payout. It is delivered exactly
// once on Payout.Done regardless of how many signals (poll, webhook,
// cancellation) raced to finish the flow.
type Terminal struct {
	State State
	Class Classification
	Order *order.Order
	// Err carries the failure detail for non-success outcomes.
	Err error
}

// ProviderDirectory resolves the adapter an order was created on. Orders
// carry the provider name, not the adapter, so resumed flows need the lookup.
type ProviderDirectory interface {
	ByName(name string) (order.Provider, bool)
}

// EventSink receives exactly one notification per payout when it reaches a
// terminal state. Publish failures must not fail the payout.
type EventSink interface {
	PublishTerminal(ctx context.Context, ord *order.Order, state string, class string)
}

// Orchestrator wires the order manager, transfer executor and settlement
// reconciler into the payout lifecycle. It owns all state transitions;
// downstream components report events and never mutate lifecycle state
// themselves.
type Orchestrator struct {
	manager    *order.Manager
	executor   *transfer.Executor
	reconciler *settlement.Reconciler
	providers  ProviderDirectory
	orders     order.Repository
	events     EventSink
	lg         *zap.Logger
}

// NewOrchestrator creates an Orchestrator. events may be nil when terminal
// event publishing is disabled.
func NewOrchestrator(
	manager *order.Manager,
	executor *transfer.Executor,
	reconciler *settlement.Reconciler,
	providers ProviderDirectory,
	orders order.Repository,
	events EventSink,
	lg *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		manager:    manager,
		executor:   executor,
		reconciler: reconciler,
		providers:  providers,
		orders:     orders,
		events:     events,
		lg:         lg.Named("payout"),
	}
}

// Payout is one in-flight settlement flow. State is observable at any time;
// the terminal outcome is delivered once on Done.
type Payout struct {
	ord *order.Order

	mu        sync.Mutex
	state     State
	completed bool

	done   chan Terminal
	cancel context.CancelFunc
	// cancelRequested marks a user-initiated abort so the resulting executor
	// error is reported as cancelled rather than failed.
	cancelRequested bool
}

// Order returns the settlement order backing this payout.
func (p *Payout) Order() *order.Order { return p.ord }

// State returns the current lifecycle state.
func (p *Payout) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done delivers the one-shot terminal outcome.
func (p *Payout) Done() <-chan Terminal { return p.done }

// ErrNotCancellable is returned by Cancel once the on-chain transfer has
// been confirmed: at that point funds have left the wallet and the flow must
// run to a settlement outcome.
var ErrNotCancellable = errors.New("payout: transfer already confirmed, cannot cancel")

// Cancel aborts the flow if the transfer has not been confirmed yet. The
// terminal cancelled outcome is delivered on Done, not returned here.
func (p *Payout) Cancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !cancellable(p.state) {
		return ErrNotCancellable
	}
	p.cancelRequested = true
	p.cancel()
	return nil
}

// advance moves the payout to next if the edge is legal. Illegal edges are a
// programming defect upstream; they are logged and ignored rather than
// corrupting the machine.
func (p *Payout) advance(lg *zap.Logger, next State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	if !canTransition(p.state, next) {
		lg.Error("Illegal payout transition ignored",
			zap.String("order_id", p.ord.ID),
			zap.String("from", string(p.state)),
			zap.String("to", string(next)),
		)
		return
	}
	p.state = next
}

// Start creates the settlement order and launches the asynchronous transfer
// and reconciliation pipeline. Order creation errors (validation,
// insufficient funds, provider rejection) are returned synchronously and no
// Payout is started; once Start returns a Payout, every later failure is
// reported through its terminal outcome instead.
func (o *Orchestrator) Start(ctx context.Context, req order.CreateRequest) (*Payout, error) {
	ord, err := o.manager.CreateSettlementOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Payout{
		ord:    ord,
		state:  StateOrderCreated,
		done:   make(chan Terminal, 1),
		cancel: cancel,
	}

	o.lg.Info("Payout started",
		zap.String("order_id", ord.ID),
		zap.String("provider", ord.Provider),
		zap.String("currency", string(ord.Currency)),
		zap.String("local_amount", ord.LocalAmount.String()),
	)

	go o.run(runCtx, p)
	return p, nil
}

// run drives one payout from order_created to a terminal state.
func (o *Orchestrator) run(ctx context.Context, p *Payout) {
	ord := p.ord

	p.advance(o.lg, StateAwaitingSignature)

	hash, err := o.executor.Execute(ctx, ord, func(ev transfer.Event) {
		switch ev.Kind {
		case transfer.EventPending:
			p.advance(o.lg, StateTransferPending)
			if _, err := o.orders.AdvanceStatus(ctx, ord.ID, order.StatusPending); err != nil {
				o.lg.Warn("Status write failed", zap.String("order_id", ord.ID), zap.Error(err))
			}
		case transfer.EventConfirmed:
			p.advance(o.lg, StateTransferConfirmed)
		}
	})
	if err != nil {
		o.finishTransferFailure(ctx, p, err)
		return
	}

	ord.TransferHash = hash
	if err := o.orders.SetTransferHash(ctx, ord.ID, hash); err != nil {
		// The transfer is confirmed on chain regardless; reconciliation
		// continues and the hash is recoverable from the signer's history.
		o.lg.Error("Transfer hash write failed", zap.String("order_id", ord.ID), zap.Error(err))
	}

	p.advance(o.lg, StateSettlementProcessing)
	if _, err := o.orders.AdvanceStatus(ctx, ord.ID, order.StatusProcessing); err != nil {
		o.lg.Warn("Status write failed", zap.String("order_id", ord.ID), zap.Error(err))
	}

	o.reconcile(ctx, p)
}

// reconcile runs the settlement phase to completion and fires the terminal
// outcome.
func (o *Orchestrator) reconcile(ctx context.Context, p *Payout) {
	ord := p.ord
	adapter, ok := o.providers.ByName(ord.Provider)
	if !ok {
		// Only reachable if a provider is removed from the configuration
		// while its orders are still in flight.
		o.finish(ctx, p, Terminal{
			State: StateFailed,
			Class: ClassUnknown,
			Order: ord,
			Err:   errors.Errorf("payout: provider %q not configured", ord.Provider),
		})
		return
	}

	res := <-o.reconciler.Reconcile(ctx, ord, adapter)
	if res.Status != "" {
		ord.Status = res.Status
	}
	if res.Update.ReceiptCode != "" {
		ord.ReceiptCode = res.Update.ReceiptCode
	}
	o.finish(ctx, p, o.settlementTerminal(ord, res))
}

// settlementTerminal maps a reconciliation result onto the terminal state
// and user-visible classification.
func (o *Orchestrator) settlementTerminal(ord *order.Order, res settlement.Result) Terminal {
	t := Terminal{Order: ord, Err: res.Err}

	var timeoutErr *order.ReconciliationTimeoutError
	switch {
	case res.Err == nil:
		t.State, t.Class = StateSettled, ClassSuccess
	case errors.As(res.Err, &timeoutErr):
		// Neither confirmed nor denied; the resume worker picks the order up
		// again and the user is told to check back.
		t.State, t.Class = StateFailed, ClassUnknown
	case res.Status == order.StatusRefunded:
		t.State, t.Class = StateRefunded, ClassNonRetryable
	case res.Status == order.StatusExpired:
		t.State, t.Class = StateExpired, ClassNonRetryable
	default:
		// Funds were transferred but the provider did not pay out; this is
		// never safely retryable without operator involvement.
		t.State, t.Class = StateFailed, ClassNonRetryable
	}
	return t
}

// finishTransferFailure maps an executor error onto a terminal outcome. No
// funds have definitively left custody on these paths except the timeout
// case, which the executor has already flagged for manual reconciliation.
func (o *Orchestrator) finishTransferFailure(ctx context.Context, p *Payout, err error) {
	// A user cancellation has already torn down ctx; the terminal status
	// still has to be persisted.
	ctx = context.WithoutCancel(ctx)
	t := Terminal{Order: p.ord, Err: err}

	p.mu.Lock()
	cancelled := p.cancelRequested
	p.mu.Unlock()

	var transferErr *order.TransferError
	switch {
	case cancelled:
		t.State, t.Class = StateCancelled, ClassNonRetryable
		if _, serr := o.orders.AdvanceStatus(ctx, p.ord.ID, order.StatusCancelled); serr != nil {
			o.lg.Warn("Status write failed", zap.String("order_id", p.ord.ID), zap.Error(serr))
		}
	case errors.Is(err, order.ErrOrderExpired):
		// The receive address went stale before submission; a fresh quote
		// starts a clean attempt.
		t.State, t.Class = StateExpired, ClassRetryable
		if _, serr := o.orders.AdvanceStatus(ctx, p.ord.ID, order.StatusExpired); serr != nil {
			o.lg.Warn("Status write failed", zap.String("order_id", p.ord.ID), zap.Error(serr))
		}
	case errors.As(err, &transferErr) && transferErr.Reason == order.TransferReasonTimeout:
		t.State, t.Class = StateFailed, ClassUnknown
	default:
		t.State, t.Class = StateFailed, ClassRetryable
	}
	if t.State == StateFailed {
		if _, serr := o.orders.AdvanceStatus(ctx, p.ord.ID, order.StatusFailed); serr != nil {
			o.lg.Warn("Status write failed", zap.String("order_id", p.ord.ID), zap.Error(serr))
		}
	}
	o.finish(ctx, p, t)
}

// finish delivers the terminal outcome exactly once: it wins or loses a
// check-and-set on the completed flag, and only the winner transitions,
// publishes and sends on Done.
func (o *Orchestrator) finish(ctx context.Context, p *Payout, t Terminal) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.state = t.State
	p.mu.Unlock()

	p.cancel()
	ctx = context.WithoutCancel(ctx)

	o.lg.Info("Payout finished",
		zap.String("order_id", p.ord.ID),
		zap.String("state", string(t.State)),
		zap.String("class", string(t.Class)),
		zap.Error(t.Err),
	)
	if o.events != nil {
		o.events.PublishTerminal(ctx, p.ord, string(t.State), string(t.Class))
	}

	p.done <- t
	close(p.done)
}

// Resume re-attaches reconciliation to every order whose transfer confirmed
// but whose settlement outcome was never recorded, typically after a restart.
// It blocks until all recovered orders reach a terminal state or ctx ends.
func (o *Orchestrator) Resume(ctx context.Context) error {
	orders, err := o.orders.ListUnsettled(ctx)
	if err != nil {
		return errors.Wrap(err, "list unsettled orders")
	}
	if len(orders) == 0 {
		return nil
	}
	o.lg.Info("Resuming unsettled orders", zap.Int("count", len(orders)))

	var wg sync.WaitGroup
	for i := range orders {
		ord := &orders[i]
		runCtx, cancel := context.WithCancel(ctx)
		p := &Payout{
			ord:    ord,
			state:  StateSettlementProcessing,
			done:   make(chan Terminal, 1),
			cancel: cancel,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.reconcile(runCtx, p)
			<-p.Done()
		}()
	}
	wg.Wait()
	return nil
}

// Deliver routes a verified webhook status update into the matching live
// reconciliation session. It reports whether a session consumed the update.
func (o *Orchestrator) Deliver(ctx context.Context, upd order.StatusUpdate) bool {
	return o.reconciler.Deliver(ctx, upd)
}
