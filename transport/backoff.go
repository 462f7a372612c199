package transport

import "time"

// Backoff is a capped exponential reconnect schedule.
type Backoff struct {
	// Base is the delay before the first reconnect attempt.
	Base time.Duration

	// Max is the ceiling for any single delay.
	Max time.Duration

	// Attempts is the number of reconnects tried after a failure before the
	// channel gives up and goes offline.
	Attempts int
}

// DefaultBackoff returns 250ms doubling up to 5s, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:     250 * time.Millisecond,
		Max:      5 * time.Second,
		Attempts: 5,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) valid() bool {
	return b.Base > 0 && b.Max >= b.Base && b.Attempts > 0
}
