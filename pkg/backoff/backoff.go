// Package backoff computes retry delays and runs retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default 100ms
	Max     time.Duration // default 5s
	// Jitter in [0,1] randomizes each delay by up to that fraction, downwards.
	Jitter float64
}

func (c *Config) bounds() (time.Duration, time.Duration, float64) {
	initial, maxDelay, jitter := defaultInitial, defaultMax, 0.0
	if c == nil {
		return initial, maxDelay, jitter
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxDelay = c.Max
	}
	if c.Jitter > 0 {
		jitter = math.Min(c.Jitter, 1)
	}
	return initial, maxDelay, jitter
}

// Exponential returns the delay before retry number attempt (1-based):
// initial, 2*initial, 4*initial, ... capped at Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay, jitter := cfg.bounds()
	if attempt < 1 {
		attempt = 1
	}
	d := math.Min(float64(initial)*math.Pow(2, float64(attempt-1)), float64(maxDelay))
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn up to attempts times, sleeping Exponential between calls.
// It stops early when fn succeeds, when retryable reports false for the
// returned error, or when ctx is done. The last error is returned.
func Retry(ctx context.Context, attempts int, cfg *Config, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(Exponential(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
