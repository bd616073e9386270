package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_FastTierThenGrowth(t *testing.T) {
	b := Backoff{
		FastAttempts: 10,
		FastInterval: 3 * time.Second,
		Factor:       1.5,
		MaxInterval:  30 * time.Second,
	}

	// First ten polls stay on the fast interval.
	for attempt := 0; attempt < 10; attempt++ {
		assert.Equal(t, 3*time.Second, b.Delay(attempt), "attempt %d", attempt)
	}

	// Then the delay grows multiplicatively.
	assert.Equal(t, 4500*time.Millisecond, b.Delay(10))
	assert.Equal(t, 6750*time.Millisecond, b.Delay(11))

	// And never exceeds the cap.
	assert.Equal(t, 30*time.Second, b.Delay(25))
	assert.Equal(t, 30*time.Second, b.Delay(100))
}

func TestBackoff_MonotonicUntilCap(t *testing.T) {
	b := DefaultPolicy().Backoff
	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.MaxInterval)
		prev = d
	}
}
