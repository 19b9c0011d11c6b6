package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retries of a failed page load.
type RetryPolicy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxInterval         time.Duration
}

// DefaultRetryPolicy is 5 retries starting at 1s, doubling with 50% jitter
// up to 10m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          5,
		InitialInterval:     time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
		MaxInterval:         10 * time.Minute,
	}
}

// Allows reports whether a job that has been retried attempt times may be
// retried again.
func (p RetryPolicy) Allows(attempt int) bool {
	return attempt < p.MaxRetries
}

// Delay returns the wait before retry number attempt+1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxInterval = p.MaxInterval
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
