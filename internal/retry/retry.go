// Package retry provides the bounded retry policy used for connection
// establishment.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int) time.Duration

// Constant waits d after every failed attempt.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Policy is an explicit bounded-retry policy: at most MaxAttempts calls,
// waiting Backoff(n) after the n-th failure.
//
// It does not distinguish transient from permanent causes; every error is
// retried until the ceiling.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff // nil means no delay
}

// Attempt is one operation call. attempt is 1-based.
type Attempt func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, MaxAttempts is reached, or ctx is done.
//
// Returns the number of attempts made and, on failure, the last error op
// returned (or the context error if ctx ended the wait).
func (p Policy) Do(ctx context.Context, op Attempt) (int, error) {
	if p.MaxAttempts < 1 {
		return 0, fmt.Errorf("retry: MaxAttempts must be >= 1 (got %d)", p.MaxAttempts)
	}
	bo := p.Backoff
	if bo == nil {
		bo = Constant(0)
	}

	attempts := 0
	var last error
	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			attempts++
			last = op(ctx, attempts)
			return struct{}{}, last
		},
		backoff.WithBackOff(&policyBackOff{fn: bo}),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return attempts, nil
	}
	if last != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return attempts, last
	}
	return attempts, err
}

// policyBackOff adapts a Backoff func to backoff.BackOff.
type policyBackOff struct {
	fn Backoff
	n  int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.n++
	return b.fn(b.n)
}

func (b *policyBackOff) Reset() { b.n = 0 }
