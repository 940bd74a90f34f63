package exchange

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields reconnect delays: exponential from initial, capped at max,
// with jitter, and never gives up (the game's duration is unknown).
type Backoff struct {
	exp *backoff.ExponentialBackOff
	max time.Duration
}

// NewBackoff creates a reconnect delay policy.
func NewBackoff(initial, max time.Duration) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = max
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.Reset()
	return &Backoff{exp: exp, max: max}
}

// Next returns the delay before the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		// jitter can overshoot MaxInterval by the randomization factor
		return b.max
	}
	return d
}

// Reset starts the sequence over after a successful connection.
func (b *Backoff) Reset() {
	b.exp.Reset()
}
