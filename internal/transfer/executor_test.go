package transfer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/stablepay-offramp/internal/domain/order"
)

type fakeSubmitter struct {
	hash      string
	submitErr error
	mineErr   error
	mineDelay time.Duration

	submittedTo     string
	submittedAmount decimal.Decimal
}

func (f *fakeSubmitter) Submit(_ context.Context, to, _ string, amount decimal.Decimal) (string, error) {
	f.submittedTo = to
	f.submittedAmount = amount
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.hash, nil
}

func (f *fakeSubmitter) WaitMined(ctx context.Context, _ string) error {
	if f.mineDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.mineDelay):
		}
	}
	return f.mineErr
}

func payableOrder() *order.Order {
	return &order.Order{
		ID:             "po-1",
		SourceAsset:    "USDC",
		SourceAmount:   decimal.RequireFromString("100"),
		ReceiveAddress: "0xrecv",
		Fees: order.Fees{
			SenderFee:      decimal.RequireFromString("0.25"),
			TransactionFee: decimal.RequireFromString("0.05"),
		},
		TotalAmount: decimal.RequireFromString("100.30"),
		ValidUntil:  time.Now().Add(time.Hour),
	}
}

func collectEvents() (func(Event), *[]Event) {
	var events []Event
	return func(e Event) { events = append(events, e) }, &events
}

func TestExecute_Confirmed(t *testing.T) {
	sub := &fakeSubmitter{hash: "0xhash1"}
	ex := NewExecutor(sub, time.Second, zap.NewNop())
	emit, events := collectEvents()

	hash, err := ex.Execute(context.Background(), payableOrder(), emit)
	require.NoError(t, err)
	assert.Equal(t, "0xhash1", hash)

	// Exactly the precomputed total is paid to the receive address.
	assert.Equal(t, "0xrecv", sub.submittedTo)
	assert.True(t, sub.submittedAmount.Equal(decimal.RequireFromString("100.30")))

	require.Len(t, *events, 2)
	assert.Equal(t, EventPending, (*events)[0].Kind)
	assert.Equal(t, EventConfirmed, (*events)[1].Kind)
	assert.Equal(t, "0xhash1", (*events)[1].Hash)
}

func TestExecute_RefusesExpiredOrder(t *testing.T) {
	sub := &fakeSubmitter{hash: "0xhash1"}
	ex := NewExecutor(sub, time.Second, zap.NewNop())
	emit, events := collectEvents()

	ord := payableOrder()
	ord.ValidUntil = time.Now().Add(-time.Minute)

	_, err := ex.Execute(context.Background(), ord, emit)
	require.ErrorIs(t, err, order.ErrOrderExpired)

	// Nothing was submitted against the stale receive address.
	assert.Empty(t, sub.submittedTo)
	require.Len(t, *events, 1)
	assert.Equal(t, EventFailed, (*events)[0].Kind)
	assert.Equal(t, order.TransferReasonExpired, (*events)[0].Reason)
}

func TestExecute_SubmitFailure(t *testing.T) {
	sub := &fakeSubmitter{submitErr: fmt.Errorf("nonce too low")}
	ex := NewExecutor(sub, time.Second, zap.NewNop())
	emit, events := collectEvents()

	_, err := ex.Execute(context.Background(), payableOrder(), emit)

	var tErr *order.TransferError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, order.TransferReasonSubmit, tErr.Reason)
	require.Len(t, *events, 1)
	assert.Equal(t, EventFailed, (*events)[0].Kind)
}

func TestExecute_ConfirmationTimeout(t *testing.T) {
	// The submitter never confirms within the window; no optimistic success.
	sub := &fakeSubmitter{hash: "0xhash1", mineDelay: time.Minute}
	ex := NewExecutor(sub, 20*time.Millisecond, zap.NewNop())
	emit, events := collectEvents()

	_, err := ex.Execute(context.Background(), payableOrder(), emit)

	var tErr *order.TransferError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, order.TransferReasonTimeout, tErr.Reason)

	require.Len(t, *events, 2)
	assert.Equal(t, EventPending, (*events)[0].Kind)
	assert.Equal(t, EventFailed, (*events)[1].Kind)
	assert.Equal(t, order.TransferReasonTimeout, (*events)[1].Reason)
}

func TestExecute_Reverted(t *testing.T) {
	sub := &fakeSubmitter{hash: "0xhash1", mineErr: fmt.Errorf("transaction reverted")}
	ex := NewExecutor(sub, time.Second, zap.NewNop())
	emit, events := collectEvents()

	_, err := ex.Execute(context.Background(), payableOrder(), emit)

	var tErr *order.TransferError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, order.TransferReasonReverted, tErr.Reason)
	assert.Equal(t, EventFailed, (*events)[1].Kind)
}
