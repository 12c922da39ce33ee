// Package retry provides the single backoff policy used for extraction and staging.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nucleus/ucl-sync/internal/core"
)

// Policy bounds how often and how quickly a failing operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64
}

// DefaultPolicy returns 3 attempts starting at 1s, capped at 30s, with 50% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

// NotifyFunc observes a failed attempt before the policy waits.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// ceiling is reached, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify NotifyFunc) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		if err != nil && !core.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, p.backOff(ctx), onRetry)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Millisecond
	}
	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.RandomizationFactor = p.Jitter
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
