package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackoff builds the jittered exponential backoff driving the
// reconnect loop. There is no elapsed-time limit: reconnection attempts
// continue until the channel is explicitly closed.
func newReconnectBackoff(max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reconnectDelay draws the next delay and clamps it into (0, max]. The
// clamp matters because jitter can overshoot the configured ceiling.
func reconnectDelay(b backoff.BackOff, max time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d > max {
		return max
	}
	return d
}
