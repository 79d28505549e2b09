// Package retry runs an operation under an explicit, injectable retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded exponential backoff. The zero value makes a single
// attempt.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	// Timeout bounds each attempt. Zero leaves attempts unbounded.
	Timeout time.Duration
	// Retryable classifies errors. nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt number (1-based).
	OnRetry func(err error, attempt int, wait time.Duration)
}

// Default is the policy used when none is configured.
func Default() Policy {
	return Policy{MaxAttempts: 5, Initial: 500 * time.Millisecond, Max: 30 * time.Second}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0
	attempts := max(p.MaxAttempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx ends. The last error of fn is returned.
//
// Edge cases:
//   - With Timeout set, each call gets its own deadline. A call that fails
//     after its own deadline passed, while ctx is still live, is retried
//     whatever Retryable says, and its error wraps ErrAttemptTimeout.
//   - fn must honor its ctx; a call that ignores it cannot be cut short.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		timedOut, err := p.call(ctx, fn)
		switch {
		case err == nil:
			return nil
		case timedOut:
			return fmt.Errorf("attempt %d: %w after %s: %w", attempt, ErrAttemptTimeout, p.Timeout, err)
		case p.Retryable != nil && !p.Retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, attempt, wait)
		}
	}
	return backoff.RetryNotify(op, p.backOff(ctx), notify)
}

// ErrAttemptTimeout marks a call that ran past Policy.Timeout.
var ErrAttemptTimeout = errors.New("attempt timed out")

// call reports whether fn failed because its own deadline passed.
func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if p.Timeout <= 0 {
		return false, fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	err := fn(actx)
	return err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded), err
}
