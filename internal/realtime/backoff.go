package realtime

import "time"

// Backoff doubles the delay after every failed attempt, capped at Max.
type Backoff struct {
	Min     time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

func (b *Backoff) Next() time.Duration {
	delay := b.Min
	for i := 0; i < b.attempt && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	b.attempt++
	return delay
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempt() int {
	return b.attempt
}
