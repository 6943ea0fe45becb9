package realtime

import (
	"math/rand/v2"
	"time"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Backoff computes reconnect delays: Initial doubled per attempt, capped at
// Max, then spread by ±Jitter (a fraction of the delay).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// rand returns a value in [0,1); nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff is 1s doubling to 30s with no jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: reconnectBaseDelay, Max: reconnectMaxDelay}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial, limit := b.Initial, b.Max
	if initial <= 0 {
		initial = reconnectBaseDelay
	}
	if limit <= 0 {
		limit = reconnectMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	d := initial
	for i := 1; i < attempt && d < limit; i++ {
		d *= 2
	}
	d = min(d, limit)

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread + r()*2*spread)
		d = max(0, min(d, limit))
	}
	return d
}
