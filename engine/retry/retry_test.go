package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/engine/retry"
)

func fastConfig(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, Base: time.Millisecond, Cap: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := retry.Do(context.Background(), fastConfig(5), func(error) bool { return false }, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := retry.Do(context.Background(), fastConfig(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return boom
	})
	require.Equal(t, 3, calls)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.ErrorIs(t, err, boom)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, Base: time.Hour}, func(error) bool { return true }, func(context.Context) error {
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackoffBounds(t *testing.T) {
	cfg := retry.Config{MaxAttempts: 5, Base: time.Second, Cap: time.Minute}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retry.Backoff(cfg, attempt)
		raw := time.Duration(float64(time.Second) * float64(int64(1)<<uint(attempt-1)))
		if raw > time.Minute {
			raw = time.Minute
		}
		require.GreaterOrEqual(t, d, raw/2, "attempt %d below jitter floor", attempt)
		require.Less(t, d, raw+raw/2, "attempt %d above jitter ceiling", attempt)
	}
}
