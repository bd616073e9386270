package order

// Status is the canonical, provider-agnostic order lifecycle vocabulary.
// Every adapter maps its native statuses onto this set; an unmapped native
// status is treated as Processing, never dropped.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusValidated  Status = "validated"
	StatusSettled    Status = "settled"
	StatusRefunded   Status = "refunded"
	StatusExpired    Status = "expired"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// statusRank orders the lifecycle for monotonicity checks. Terminal statuses
// share the top rank: none of them may be overwritten by another, with the
// single exception of validated advancing to settled.
var statusRank = map[Status]int{
	StatusInitiated:  0,
	StatusPending:    1,
	StatusProcessing: 2,
	StatusValidated:  3,
	StatusSettled:    4,
	StatusRefunded:   4,
	StatusExpired:    4,
	StatusFailed:     4,
	StatusCancelled:  4,
}

// Rank returns the lifecycle rank of s; unknown statuses rank as Processing.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return statusRank[StatusProcessing]
}

// Terminal reports whether no further transition can occur from s.
// Validated counts as terminal success (the payout is confirmed); the only
// transition out of it is the settled backfill.
func (s Status) Terminal() bool {
	switch s {
	case StatusValidated, StatusSettled, StatusRefunded, StatusExpired, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Success reports whether s is a terminal-success status.
func (s Status) Success() bool {
	return s == StatusValidated || s == StatusSettled
}

// CanAdvance reports whether a write moving an order from one status to
// another respects the lifecycle graph: strictly forward, never out of a
// terminal status except validated -> settled.
func CanAdvance(from, to Status) bool {
	if from.Terminal() {
		return from == StatusValidated && to == StatusSettled
	}
	return to.Rank() > from.Rank()
}
