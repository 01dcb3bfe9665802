package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential from Base, capped at Max,
// spread by a random factor of ±Jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Next returns the delay before reconnect attempt number attempt, counting
// from zero.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*b.Jitter
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}
