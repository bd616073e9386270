package payout

// State is the orchestrator's canonical payout lifecycle state. It is
// distinct from the order's provider-facing status: the state machine also
// tracks phases the provider never sees (quoting, signing, on-chain
// confirmation).
//
// The split between TransferConfirmed and SettlementProcessing is
// deliberate: on-chain confirmation and fiat payout confirmation are
// independent systems with independent failure modes, and the caller must be
// able to tell "your money left your wallet" from "the recipient has been
// paid".
type State string

const (
	StateIdle                 State = "idle"
	StateQuoting              State = "quoting"
	StateOrderCreated         State = "order_created"
	StateAwaitingSignature    State = "awaiting_signature"
	StateTransferPending      State = "transfer_pending"
	StateTransferConfirmed    State = "transfer_confirmed"
	StateSettlementProcessing State = "settlement_processing"

	StateSettled           State = "settled"
	StateRefunded          State = "refunded"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
	StateInsufficientFunds State = "insufficient_funds"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateSettled, StateRefunded, StateExpired, StateFailed, StateCancelled, StateInsufficientFunds:
		return true
	default:
		return false
	}
}

// transitions is the legal edge set of the lifecycle graph. Cancellation
// edges (any pre-confirmation state to cancelled) are handled separately in
// canTransition.
var transitions = map[State][]State{
	StateIdle:                 {StateQuoting},
	StateQuoting:              {StateOrderCreated, StateInsufficientFunds, StateFailed},
	StateOrderCreated:         {StateAwaitingSignature, StateInsufficientFunds},
	StateAwaitingSignature:    {StateTransferPending, StateFailed},
	StateTransferPending:      {StateTransferConfirmed, StateFailed},
	StateTransferConfirmed:    {StateSettlementProcessing},
	StateSettlementProcessing: {StateSettled, StateRefunded, StateExpired, StateFailed},
}

// canTransition reports whether from -> to is a legal edge. Cancellation is
// possible from any state strictly before TransferConfirmed; once funds have
// left the wallet it is not offered.
func canTransition(from, to State) bool {
	if to == StateCancelled {
		return cancellable(from)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancellable reports whether the caller may still abandon the flow.
func cancellable(s State) bool {
	switch s {
	case StateIdle, StateQuoting, StateOrderCreated, StateAwaitingSignature, StateTransferPending:
		return true
	default:
		return false
	}
}

// Classification maps a terminal state to the single user-visible outcome
// class the UI layer keys its actions on.
type Classification string

const (
	// ClassSuccess: payout confirmed.
	ClassSuccess Classification = "success"
	// ClassRetryable: the user may start a new attempt, which creates a new
	// order.
	ClassRetryable Classification = "retryable_failure"
	// ClassNonRetryable: funds may have left custody; the user should
	// contact support with the order reference.
	ClassNonRetryable Classification = "non_retryable_failure"
	// ClassUnknown: outcome undetermined, check again later.
	ClassUnknown Classification = "unknown"
)
