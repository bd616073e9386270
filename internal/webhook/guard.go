package webhook

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// ReplayGuard remembers processed event IDs in a bloom filter so duplicate
// deliveries are dropped without a storage round trip.
//
// False positives reject a genuinely new event as a replay. At the
// configured rate that is rarer than provider-side delivery loss, and the
// poll loop still resolves any order a dropped webhook would have; false
// negatives cannot occur, so a replay is never processed twice.
type ReplayGuard struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewReplayGuard sizes the filter for the expected number of events at the
// given false positive rate.
func NewReplayGuard(capacity uint, fpr float64) *ReplayGuard {
	return &ReplayGuard{filter: bloom.NewWithEstimates(capacity, fpr)}
}

// Seen records eventID and reports whether it was already present.
func (g *ReplayGuard) Seen(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filter.TestAndAddString(eventID)
}
