// Package settlement reconciles an order's terminal outcome from two
// independent, racing signals: an adaptive status-poll loop and out-of-band
// webhook deliveries. Whichever signal observes a terminal provider status
// first wins, exactly once; the loser is a no-op.
package settlement

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// Source names the signal that resolved a session.
const (
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
)

// Result is the single terminal resolution of one reconciliation session.
// Err is nil on confirmed payout, *order.SettlementError on a provider-side
// terminal failure, and *order.ReconciliationTimeoutError when neither
// signal resolved within bounds (outcome unknown, never success or failure).
type Result struct {
	OrderID string
	Status  order.Status
	Update  order.StatusUpdate
	Source  string
	Err     error
}

// session is the ephemeral per-order polling state. The completed flag is
// the only state shared between the poll loop and the webhook path; it is
// flipped under mu with no blocking work inside the critical section, so
// both paths can never believe they won.
type session struct {
	orderID  string
	provider string

	mu        sync.Mutex
	completed bool

	result chan Result
	cancel context.CancelFunc
}

// complete attempts the check-and-set; it reports whether this caller won.
func (s *session) complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return false
	}
	s.completed = true
	return true
}

// Reconciler owns the active sessions and the shared polling policy.
type Reconciler struct {
	orders order.Repository
	policy Policy
	lg     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewReconciler creates a Reconciler with the given polling policy.
func NewReconciler(orders order.Repository, policy Policy, lg *zap.Logger) *Reconciler {
	return &Reconciler{
		orders:   orders,
		policy:   policy,
		lg:       lg,
		sessions: make(map[string]*session),
	}
}

// Reconcile starts a session for a transfer-confirmed order and returns a
// channel that delivers exactly one Result. The session ends on the first
// terminal observation from either signal, on attempts/deadline exhaustion,
// or on ctx cancellation; every ending delivers a Result.
func (r *Reconciler) Reconcile(ctx context.Context, ord *order.Order, p order.Provider) <-chan Result {
	pollCtx, cancel := context.WithCancel(ctx)
	s := &session{
		orderID:  ord.ID,
		provider: p.Name(),
		result:   make(chan Result, 1),
		cancel:   cancel,
	}

	r.mu.Lock()
	r.sessions[ord.ID] = s
	r.mu.Unlock()

	go r.poll(pollCtx, s, p)
	return s.result
}

// Deliver routes a webhook status observation to the session for its order.
// It returns true when the delivery resolved the session. Deliveries for
// orders without an active session (restart, slow webhook after resolution)
// still advance the persisted status idempotently.
func (r *Reconciler) Deliver(ctx context.Context, upd order.StatusUpdate) bool {
	r.mu.Lock()
	s, ok := r.sessions[upd.OrderID]
	r.mu.Unlock()

	if !ok {
		webhookDeliveries.WithLabelValues("unknown", "no_session").Inc()
		r.persist(ctx, upd)
		return false
	}

	if !upd.Status.Terminal() {
		// Intermediate progress: persist and keep polling.
		webhookDeliveries.WithLabelValues(s.provider, "progress").Inc()
		r.persist(ctx, upd)
		return false
	}

	if !s.complete() {
		webhookDeliveries.WithLabelValues(s.provider, "duplicate").Inc()
		return false
	}

	webhookDeliveries.WithLabelValues(s.provider, "won").Inc()
	r.resolve(ctx, s, upd, SourceWebhook)
	return true
}

func (r *Reconciler) poll(ctx context.Context, s *session, p order.Provider) {
	deadline := time.NewTimer(r.policy.Deadline)
	defer deadline.Stop()
	timer := time.NewTimer(r.policy.Delay(0))
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		if attempt >= r.policy.MaxAttempts {
			r.timeout(s, attempt)
			return
		}

		select {
		case <-ctx.Done():
			// A webhook win cancels this context too; complete() inside
			// cancelled keeps the loser a no-op, so only an abandoned
			// caller resolves here.
			r.cancelled(s, attempt)
			return
		case <-deadline.C:
			r.timeout(s, attempt)
			return
		case <-timer.C:
		}

		pollsTotal.WithLabelValues(s.provider).Inc()
		upd, err := p.OrderStatus(ctx, s.orderID)
		if err != nil {
			if ctx.Err() != nil {
				r.cancelled(s, attempt+1)
				return
			}
			r.lg.Warn("Status poll failed",
				zap.String("order_id", s.orderID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			timer.Reset(r.policy.Delay(attempt + 1))
			continue
		}

		if !upd.Status.Terminal() {
			r.persist(ctx, upd)
			timer.Reset(r.policy.Delay(attempt + 1))
			continue
		}

		if !s.complete() {
			return
		}
		r.resolve(ctx, s, upd, SourcePoll)
		return
	}
}

// resolve is the single resolution point both signals funnel into: persist
// the winning observation, emit the one Result, tear the session down.
func (r *Reconciler) resolve(ctx context.Context, s *session, upd order.StatusUpdate, source string) {
	r.persist(ctx, upd)

	res := Result{OrderID: s.orderID, Status: upd.Status, Update: upd, Source: source}
	if !upd.Status.Success() {
		res.Err = &order.SettlementError{OrderID: s.orderID, Status: upd.Status}
	}

	outcomesTotal.WithLabelValues(s.provider, string(upd.Status), source).Inc()
	r.lg.Info("Settlement resolved",
		zap.String("order_id", s.orderID),
		zap.String("status", string(upd.Status)),
		zap.String("source", source),
		zap.String("provider_status", upd.ProviderStatus),
	)

	r.finish(s, res)
}

func (r *Reconciler) timeout(s *session, attempts int) {
	if !s.complete() {
		return
	}

	outcomesTotal.WithLabelValues(s.provider, "timeout", SourcePoll).Inc()
	r.lg.Error("Reconciliation exhausted without a terminal status, check later",
		zap.String("order_id", s.orderID),
		zap.Int("attempts", attempts),
	)

	r.finish(s, Result{
		OrderID: s.orderID,
		Err:     &order.ReconciliationTimeoutError{OrderID: s.orderID, Attempts: attempts},
	})
}

// cancelled resolves a session whose caller went away before either signal
// observed a terminal status. The outcome is unknown at this point, so the
// Result carries the same timeout-class error; every session delivers
// exactly one Result on every exit path and no consumer blocks forever.
func (r *Reconciler) cancelled(s *session, attempts int) {
	if !s.complete() {
		return
	}

	outcomesTotal.WithLabelValues(s.provider, "cancelled", SourcePoll).Inc()
	r.lg.Warn("Reconciliation cancelled before a terminal status",
		zap.String("order_id", s.orderID),
		zap.Int("attempts", attempts),
	)

	r.finish(s, Result{
		OrderID: s.orderID,
		Err:     &order.ReconciliationTimeoutError{OrderID: s.orderID, Attempts: attempts},
	})
}

func (r *Reconciler) finish(s *session, res Result) {
	r.mu.Lock()
	delete(r.sessions, s.orderID)
	r.mu.Unlock()

	s.result <- res
	s.cancel()
}

// persist writes a status observation through the repository's monotonic
// advance; a regressive or duplicate write is a no-op there.
func (r *Reconciler) persist(ctx context.Context, upd order.StatusUpdate) {
	if upd.Status == "" {
		return
	}
	if _, err := r.orders.AdvanceStatus(ctx, upd.OrderID, upd.Status); err != nil {
		r.lg.Error("Persist status observation failed",
			zap.String("order_id", upd.OrderID),
			zap.String("status", string(upd.Status)),
			zap.Error(err),
		)
		return
	}
	if upd.ReceiptCode != "" && upd.Status.Success() {
		if err := r.orders.SetReceiptCode(ctx, upd.OrderID, upd.ReceiptCode); err != nil {
			r.lg.Error("Persist receipt code failed",
				zap.String("order_id", upd.OrderID),
				zap.Error(err),
			)
		}
	}
}
