// Package retry provides the one retry strategy shared by every
// external collaborator call (extraction, notification delivery).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy parameterizes exponential backoff with jitter. The zero value
// is not usable; construct with Default or fill every field.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64
}

// Default returns the recommended policy: 3 attempts, 1s base, factor 2,
// with jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		Jitter:      0.5,
	}
}

// Permanent marks err as non-retryable so Do stops immediately and
// returns it unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op with exponential backoff until it succeeds, returns a
// permanent error, the attempt budget is exhausted, or ctx is done. The
// returned error is the last attempt's error, unwrapped from any
// permanent marker.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Factor
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0

	attempts := uint64(0)
	if p.MaxAttempts > 1 {
		attempts = uint64(p.MaxAttempts - 1)
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}
