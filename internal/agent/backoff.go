package agent

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Backoff implements exponential backoff with jitter, used when claim
// requests fail at the transport level.
type Backoff struct {
	minDelay time.Duration
	maxDelay time.Duration
	current  time.Duration

	// jitter returns a uniform fraction in [0,1); injectable so tests can
	// pin the delay sequence.
	jitter func() float64
}

// NewBackoff creates a Backoff with the provided min and max delays.
func NewBackoff(minDelay, maxDelay time.Duration) *Backoff {
	if minDelay <= 0 {
		minDelay = 1 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Backoff{
		minDelay: minDelay,
		maxDelay: maxDelay,
		current:  minDelay,
		jitter:   cryptoFrac,
	}
}

// Next returns the current delay with ±25% jitter applied, then doubles the
// base delay up to the maximum.
func (b *Backoff) Next() time.Duration {
	spread := (b.jitter() - 0.5) * 0.5
	d := float64(b.current) * (1 + spread)

	next := b.current * 2
	if next > b.maxDelay {
		next = b.maxDelay
	}
	b.current = next

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Reset sets backoff to its minimum delay.
func (b *Backoff) Reset() {
	b.current = b.minDelay
}

// cryptoFrac draws a uniform fraction in [0,1) from crypto/rand, falling
// back to the midpoint if the source fails.
func cryptoFrac() float64 {
	limit := new(big.Int).Lsh(big.NewInt(1), 53)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(1<<53)
}
