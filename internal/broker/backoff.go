package broker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnection delays:
//
//	delay(n) = min(Max, Initial * Factor^n) ± Jitter*that
//
// clamped to [0, Max].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fractional spread, e.g. 0.25 for ±25%.
	Jitter float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff mirrors the fleet defaults: 1s start, ×1.513, ±25%, 60s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  1.513,
		Jitter:  0.25,
	}
}

func (b Backoff) random() float64 {
	if b.rand != nil {
		return b.rand()
	}
	return rand.Float64()
}

// Base returns the un-jittered delay for attempt n.
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Initial) * math.Pow(b.Factor, float64(attempt))
	if math.IsInf(base, 0) || math.IsNaN(base) || base > float64(b.Max) {
		return b.Max
	}
	return time.Duration(base)
}

// Delay returns the jittered delay for attempt n. It never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	base := float64(b.Base(attempt))
	spread := base * b.Jitter * (2*b.random() - 1)
	d := base + spread
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// uniform returns a duration drawn uniformly from [lo, hi].
func uniform(lo, hi time.Duration, rnd func() float64) time.Duration {
	if hi <= lo {
		return lo
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return lo + time.Duration(rnd()*float64(hi-lo))
}
