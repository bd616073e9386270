package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors raised before any network call.
var (
	ErrNonPositiveAmount = fmt.Errorf("amount must be greater than 0")
	ErrNoProvider        = fmt.Errorf("no settlement provider for currency")
	ErrOrderExpired      = fmt.Errorf("order validity window has passed, re-quote required")
)

// ValidationError indicates input rejected locally before any provider round
// trip. Always user-correctable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientFundsError reports a balance shortfall at order-creation time.
// All three amounts are exact; Shortfall = RequiredAmount - CurrentBalance.
type InsufficientFundsError struct {
	CurrentBalance decimal.Decimal
	RequiredAmount decimal.Decimal
	Shortfall      decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, required %s, short %s",
		e.CurrentBalance, e.RequiredAmount, e.Shortfall)
}

// CreationError wraps a provider or network failure during order creation.
// Retryable by re-quoting, not by resubmitting the same quote. The original
// provider message is preserved for operator diagnostics.
type CreationError struct {
	Provider        string
	ProviderMessage string
	Err             error
}

func (e *CreationError) Error() string {
	if e.ProviderMessage != "" {
		return fmt.Sprintf("order creation failed (%s): %s", e.Provider, e.ProviderMessage)
	}
	return fmt.Sprintf("order creation failed (%s): %v", e.Provider, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// TransferError reports that the on-chain transfer mechanism failed or timed
// out. Fatal for this Order; a new attempt must create a new Order.
type TransferError struct {
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer failed (%s)", e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Err }

// TransferError reasons.
const (
	TransferReasonTimeout   = "transfer_timeout"
	TransferReasonSubmit    = "submit_failed"
	TransferReasonReverted  = "transaction_reverted"
	TransferReasonExpired   = "order_expired"
	TransferReasonCancelled = "cancelled"
)

// SettlementError reports a provider-side terminal failure observed after the
// transfer was already confirmed: the user's funds left the wallet, so this
// is a delayed failure requiring manual reconciliation, never a rollback.
type SettlementError struct {
	OrderID string
	Status  Status // refunded, expired, failed or cancelled
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for order %s: provider reported %s after transfer confirmation", e.OrderID, e.Status)
}

// ReconciliationTimeoutError reports that neither polling nor webhooks
// reached a terminal status within bounds. The order's true outcome is
// unknown; it must never be treated as success or failure.
type ReconciliationTimeoutError struct {
	OrderID  string
	Attempts int
}

func (e *ReconciliationTimeoutError) Error() string {
	return fmt.Sprintf("settlement status for order %s unknown after %d polls, check again later", e.OrderID, e.Attempts)
}
