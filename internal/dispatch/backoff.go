package dispatch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes when a failed action becomes due again.
type RetryPolicy struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultRetryPolicy starts at 30s, doubles, and caps at 30m with ±50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Min:        30 * time.Second,
		Max:        30 * time.Minute,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Delay returns the wait before the next attempt of an action that has
// already been retried retryCount times. The result is always within
// [Min, Max].
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Min,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
	}
	b.Reset()

	var d time.Duration
	for range max(retryCount, 0) + 1 {
		d = b.NextBackOff()
	}
	return min(max(d, p.Min), p.Max)
}
