package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_StopsAtMaxAttempts(t *testing.T) {
	var seen []int
	n, err := Policy{MaxAttempts: 3}.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return fmt.Errorf("attempt %d refused", attempt)
	})
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.EqualError(t, err, "attempt 3 refused")
}

func TestDo_SucceedsEarly(t *testing.T) {
	n, err := Policy{MaxAttempts: 5}.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDo_ConstantDelayBetweenAttempts(t *testing.T) {
	const delay = 25 * time.Millisecond
	var at []time.Time
	_, err := Policy{MaxAttempts: 3, Backoff: Constant(delay)}.Do(context.Background(), func(context.Context, int) error {
		at = append(at, time.Now())
		return errors.New("down")
	})
	require.Error(t, err)
	require.Len(t, at, 3)
	for i := 1; i < len(at); i++ {
		assert.GreaterOrEqual(t, at[i].Sub(at[i-1]), delay)
	}
}

func TestDo_NoWaitAfterLastAttempt(t *testing.T) {
	start := time.Now()
	_, err := Policy{MaxAttempts: 1, Backoff: Constant(time.Hour)}.Do(context.Background(), func(context.Context, int) error {
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n, err := Policy{MaxAttempts: 10, Backoff: Constant(time.Hour)}.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("refused")
	})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_RejectsZeroAttempts(t *testing.T) {
	called := false
	n, err := Policy{}.Do(context.Background(), func(context.Context, int) error {
		called = true
		return nil
	})
	assert.ErrorContains(t, err, "MaxAttempts")
	assert.Zero(t, n)
	assert.False(t, called)
}

func TestConstant(t *testing.T) {
	b := Constant(3 * time.Second)
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 3*time.Second, b(attempt))
	}
}
