package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff defines the reconnect delay policy. Jitter is an additive upward
// fraction (0..1) so the deterministic floor stays non-decreasing.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Next returns the retry delay for attempt N (1-based). The jitterless value
// never decreases with attempt and never exceeds Max.
func (b Backoff) Next(attempt int, rng *rand.Rand) time.Duration {
	if b.Min <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	factor := b.Factor
	if factor < 1.0 {
		factor = 1.0
	}
	delay := float64(b.Min) * math.Pow(factor, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 && rng != nil {
		delay += delay * b.Jitter * rng.Float64()
		if b.Max > 0 && delay > float64(b.Max) {
			delay = float64(b.Max)
		}
	}
	return time.Duration(delay)
}
