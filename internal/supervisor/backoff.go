package supervisor

import "time"

// DefaultDelay is the reconnect delay used when none is configured.
const DefaultDelay = 5 * time.Second

// Backoff computes reconnect delays. With Multiplier at or below 1 every
// delay equals Delay. Above 1 the delay grows geometrically up to Max.
// The zero value waits DefaultDelay every time.
type Backoff struct {
	Delay      time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	base := b.Delay
	if base <= 0 {
		base = DefaultDelay
	}
	switch {
	case b.current == 0 || b.Multiplier <= 1:
		b.current = base
	default:
		b.current = time.Duration(float64(b.current) * b.Multiplier)
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset starts the sequence over.
func (b *Backoff) Reset() {
	b.current = 0
}
