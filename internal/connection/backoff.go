// ABOUTME: Capped exponential backoff for reconnect scheduling
// ABOUTME: Delay grows by Multiplier per attempt, bounded by Max, with optional jitter

package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by ±Jitter (0..1) of its value.
	Jitter float64
}

// DefaultBackoff returns 1s, 2s, 4s ... capped at 30s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
