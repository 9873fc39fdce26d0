// Package retry runs an operation until it succeeds, fails permanently or
// runs out of attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts bounds the total number of calls, the first one included.
	// Zero or less retries until success or cancellation.
	MaxAttempts     int
	InitialInterval time.Duration
	// MaxInterval caps the exponential backoff. When it is not greater than
	// InitialInterval every wait lasts exactly InitialInterval.
	MaxInterval time.Duration
	Jitter      float64 // ±jitter fraction (e.g., 0.2 = ±20%)

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// DefaultConfig returns the delivery defaults: a fixed 500ms delay between
// unbounded attempts.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 500 * time.Millisecond,
	}
}

// Fixed returns a config that waits delay between attempts and makes at most
// retries+1 calls. A nil retries never gives up.
func Fixed(delay time.Duration, retries *int) Config {
	cfg := Config{InitialInterval: delay}
	if retries != nil {
		cfg.MaxAttempts = *retries + 1
	}
	return cfg
}

// Unbounded reports whether cfg retries forever.
func (c Config) Unbounded() bool { return c.MaxAttempts <= 0 }

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks an error as permanent (non-retryable).
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent returns true if the error is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do executes fn with retry logic. It stops retrying when:
// - fn returns nil (success)
// - fn returns a PermanentError
// - MaxAttempts is exhausted
// - ctx is cancelled
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error
	for attempt := 0; cfg.Unbounded() || attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if cfg.Unbounded() || attempt < cfg.MaxAttempts-1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt+1, lastErr)
			}
			timer := time.NewTimer(calcBackoff(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func calcBackoff(attempt int, cfg Config) time.Duration {
	backoff := float64(cfg.InitialInterval)
	if cfg.MaxInterval > cfg.InitialInterval {
		backoff *= math.Pow(2, float64(attempt))
		if backoff > float64(cfg.MaxInterval) {
			backoff = float64(cfg.MaxInterval)
		}
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter
		backoff = backoff - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(backoff)
}
