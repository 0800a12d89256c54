// Package backoff computes exponential reconnect delays with jitter so a
// dropped price stream does not hammer a recovering server.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff returns progressively longer delays on each call to Next, starting
// at base and doubling up to max, with an optional ±jitter fraction applied.
// It is not safe for concurrent use.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	jitter  float64
	attempt int
}

// New creates a backoff calculator. jitter is the fraction of the delay used
// as the randomization window, e.g. 0.2 for ±20%.
func New(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		base:   base,
		max:    max,
		jitter: jitter,
	}
}

// NewDefault creates a backoff calculator with a 1s base, 30s cap and ±20%
// jitter.
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 0.2)
}

// Next returns the delay to wait before the next attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	delay := b.base << b.attempt
	if delay > b.max || delay < b.base { // the shift may overflow
		delay = b.max
	}

	if b.jitter > 0 {
		factor := 1 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * factor)
	}

	b.attempt++
	return delay
}

// Reset clears the attempt counter. Call it after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of times Next has been called since the last
// Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
