// Package retry provides the bounded retry loop used around adapter calls.
// Backoff is exponential with multiplicative jitter so simultaneous failures
// across workers do not re-fire in lockstep.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config bounds a retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// Base is the backoff before the first retry.
	Base time.Duration
	// Cap is the maximum backoff between retries.
	Cap time.Duration
}

// DefaultConfig matches the engine's adapter-call policy: three attempts,
// one minute base, one hour cap.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Base:        time.Minute,
		Cap:         time.Hour,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// LastError is the error from the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Do runs fn up to cfg.MaxAttempts times. retryable decides whether a
// failure is worth another attempt; non-retryable failures return
// immediately. Between attempts Do sleeps Backoff(cfg, attempt) or until the
// context is done, whichever comes first.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, LastError: lastErr}
}

// Backoff returns the delay after the given 1-based attempt:
// min(base*2^(n-1), cap) scaled by a uniform factor in [0.5, 1.5).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := cfg.Base
	if base <= 0 {
		base = time.Minute
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if cap := float64(cfg.Cap); cap > 0 && d > cap {
		d = cap
	}
	// Jitter does not need crypto randomness.
	d *= 0.5 + rand.Float64() //nolint:gosec
	return time.Duration(d)
}
