package queue

import (
	"time"

	"github.com/thebtf/docreview/pkg/models"
)

// Backoff returns the delay before the attempt after attempt: base·2^(attempt−1) capped at
// max, then spread by ±jitter. rnd returns a value in [0, 1); a nil rnd disables jitter.
func Backoff(attempt int, base, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	if jitter > 0 && rnd != nil {
		spread := float64(delay) * jitter
		delay += time.Duration(spread * (2*rnd() - 1))
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// InitialDelay is the scheduling delay a new task gets from its priority.
func InitialDelay(p models.Priority, low time.Duration) time.Duration {
	if p == models.PriorityLow {
		return low
	}
	return 0
}
