package settlement

import (
	"math"
	"time"
)

// Backoff is the tiered polling schedule shared by every payout flow: a run
// of fast fixed-interval polls for responsiveness right after transfer
// confirmation, then multiplicative growth capped at a maximum interval to
// stay inside provider rate limits.
type Backoff struct {
	// FastAttempts is the number of initial polls at FastInterval.
	FastAttempts int
	// FastInterval is the delay between the initial fast polls.
	FastInterval time.Duration
	// Factor is the multiplicative growth applied after the fast tier.
	Factor float64
	// MaxInterval caps the grown delay.
	MaxInterval time.Duration
}

// Delay returns the wait before poll number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < b.FastAttempts {
		return b.FastInterval
	}
	grown := float64(b.FastInterval) * math.Pow(b.Factor, float64(attempt-b.FastAttempts+1))
	if grown > float64(b.MaxInterval) {
		return b.MaxInterval
	}
	return time.Duration(grown)
}

// Policy bounds one reconciliation session. MaxAttempts and Deadline are
// independent limits; whichever trips first ends the session. Both are
// independent of the order validity window and the transfer confirmation
// window.
type Policy struct {
	Backoff
	// MaxAttempts bounds the total number of status polls.
	MaxAttempts int
	// Deadline bounds the session's wall-clock duration.
	Deadline time.Duration
}

// DefaultPolicy returns the production polling policy: ten 3s polls, then
// 1.5x growth capped at 30s, at most 60 polls within 10 minutes.
func DefaultPolicy() Policy {
	return Policy{
		Backoff: Backoff{
			FastAttempts: 10,
			FastInterval: 3 * time.Second,
			Factor:       1.5,
			MaxInterval:  30 * time.Second,
		},
		MaxAttempts: 60,
		Deadline:    10 * time.Minute,
	}
}
