package pool

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.flowcatalyst.tech/dispatchcore/internal/router/model"
)

// maxAttemptSteps bounds the backoff walk; later attempts sit at MaxInterval anyway
const maxAttemptSteps = 32

// RetryPolicy computes the visibility delay for a failed delivery
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns 5s doubling up to 15 minutes
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Second,
		Multiplier:      2,
		MaxInterval:     15 * time.Minute,
	}
}

// Delay returns the retry delay for the given 1-based attempt.
// An endpoint-supplied hint wins over the exponential schedule.
func (r RetryPolicy) Delay(attempt int, result *model.DeliveryResult) time.Duration {
	if result.HasRetryAfter() {
		d := *result.RetryAfter
		if d <= 0 {
			return r.InitialInterval
		}
		if max := time.Duration(model.MaxDelaySeconds) * time.Second; d > max {
			return max
		}
		return d
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.Multiplier = r.Multiplier
	b.MaxInterval = r.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxAttemptSteps {
		attempt = maxAttemptSteps
	}

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
