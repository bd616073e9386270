// Package transfer drives the on-chain payment for a settlement order: it
// computes the exact total from the Order, submits through an externally
// supplied Submitter, and re-emits the underlying lifecycle as three
// canonical events (pending, confirmed, failed).
package transfer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

// EventKind is a canonical transfer lifecycle event.
type EventKind string

const (
	EventPending   EventKind = "pending"
	EventConfirmed EventKind = "confirmed"
	EventFailed    EventKind = "failed"
)

// Event is one canonical lifecycle notification. Hash is set from pending
// onwards; Reason is set on failure.
type Event struct {
	Kind   EventKind
	Hash   string
	Reason string
}

// Submitter is the opaque "submit transfer" capability. Submit broadcasts
// the payment and returns its hash; WaitMined blocks until the payment is
// confirmed or the context ends.
type Submitter interface {
	Submit(ctx context.Context, to, asset string, amount decimal.Decimal) (string, error)
	WaitMined(ctx context.Context, hash string) error
}

// Executor wraps a Submitter with order-aware guards: expiry refusal, exact
// total computation, and a bounded confirmation window.
//
// Confirmation is never assumed: if the submitter reports pending but does
// not confirm within the window, the transfer fails with transfer_timeout
// and the ambiguity is logged for manual reconciliation. Waiting forever
// would block the user; assuming success would misreport payments that never
// landed.
type Executor struct {
	submitter     Submitter
	confirmWindow time.Duration
	lg            *zap.Logger
	now           func() time.Time
}

// NewExecutor creates an Executor. confirmWindow bounds how long a submitted
// transfer may stay pending before it is reported failed.
func NewExecutor(submitter Submitter, confirmWindow time.Duration, lg *zap.Logger) *Executor {
	return &Executor{
		submitter:     submitter,
		confirmWindow: confirmWindow,
		lg:            lg,
		now:           time.Now,
	}
}

// Execute pays the order's total amount to its receive address and blocks
// until confirmation, failure, or the confirmation window closing. emit is
// invoked synchronously for each lifecycle event; on success the confirmed
// transfer hash is returned.
func (e *Executor) Execute(ctx context.Context, ord *order.Order, emit func(Event)) (string, error) {
	if ord.Expired(e.now()) {
		// Paying a stale receive address risks losing funds; the caller must
		// re-quote instead.
		emit(Event{Kind: EventFailed, Reason: order.TransferReasonExpired})
		return "", order.ErrOrderExpired
	}

	hash, err := e.submitter.Submit(ctx, ord.ReceiveAddress, ord.SourceAsset, ord.TotalAmount)
	if err != nil {
		emit(Event{Kind: EventFailed, Reason: order.TransferReasonSubmit})
		return "", &order.TransferError{Reason: order.TransferReasonSubmit, Err: err}
	}

	e.lg.Info("Transfer submitted",
		zap.String("order_id", ord.ID),
		zap.String("hash", hash),
		zap.String("amount", ord.TotalAmount.String()),
		zap.String("to", ord.ReceiveAddress),
	)
	emit(Event{Kind: EventPending, Hash: hash})

	waitCtx, cancel := context.WithTimeout(ctx, e.confirmWindow)
	defer cancel()

	if err := e.submitter.WaitMined(waitCtx, hash); err != nil {
		reason := order.TransferReasonReverted
		if waitCtx.Err() != nil && ctx.Err() == nil {
			// The window closed while the chain still shows the transfer
			// pending. Its true outcome is unknown; operators must check the
			// hash by hand.
			reason = order.TransferReasonTimeout
			e.lg.Error("Transfer confirmation window closed with transfer still pending, manual reconciliation required",
				zap.String("order_id", ord.ID),
				zap.String("hash", hash),
				zap.Duration("window", e.confirmWindow),
			)
		}
		emit(Event{Kind: EventFailed, Hash: hash, Reason: reason})
		return "", &order.TransferError{Reason: reason, Err: err}
	}

	e.lg.Info("Transfer confirmed", zap.String("order_id", ord.ID), zap.String("hash", hash))
	emit(Event{Kind: EventConfirmed, Hash: hash})
	return hash, nil
}
