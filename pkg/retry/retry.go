package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config controls exponential backoff.
type Config struct {
	MaxAttempts  int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Permanent lists errors that stop retrying immediately (matched with errors.Is).
	Permanent []error
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Do runs fn until it succeeds, returns a permanent error, the context is
// done, or the attempts run out.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions returning a result.
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if isPermanent(err, cfg.Permanent) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

// Delay returns the wait before retry number attempt+1.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		// +/-25%
		d = d * (0.75 + rand.Float64()*0.5)
	}
	return time.Duration(d)
}

func isPermanent(err error, permanent []error) bool {
	for _, p := range permanent {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}
