// Package backoff provides exponential backoff with jitter for operations
// against the control hub, primarily the node link's reconnect loop.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
// Return Permanent(err) from the fn callback to stop retries immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError to stop retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop (0 = unlimited).
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited).
	MaxAttempts int
}

// DefaultConfig returns sensible defaults for hub connection attempts.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Do executes fn with exponential backoff and jitter.
// It stops retrying if fn returns a PermanentError (use Permanent() to wrap).
// Returns the last error if all retries are exhausted.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}

	start := time.Now()
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry",
					"operation", operation,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			slog.Warn("Operation returned permanent error, not retrying",
				"operation", operation,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return permErr.Err
		}

		lastErr = err

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, lastErr)
		}
		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			return fmt.Errorf("%s: retries exhausted after %v: %w", operation, time.Since(start).Round(time.Millisecond), lastErr)
		}

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		sleep := delay + jitter

		slog.Info("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(math.Min(float64(delay*2), float64(cfg.MaxDelay)))
	}
}
