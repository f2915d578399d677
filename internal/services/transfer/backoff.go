package transfer

import (
	"math/rand"
	"time"
)

// Backoff is a capped exponential delay: Min, 2*Min, 4*Min ... up to Max.
// JitterPct spreads retries of artifacts that failed together.
type Backoff struct {
	Min       time.Duration
	Max       time.Duration
	JitterPct int
}

// Next returns the delay before retry number attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Min
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.JitterPct > 0 && d > 0 {
		spread := int64(d) * int64(b.JitterPct) / 100
		if spread > 0 {
			d += time.Duration(rand.Int63n(2*spread+1) - spread)
		}
	}
	return d
}
