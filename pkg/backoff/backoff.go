// Package backoff provides exponential backoff and a bounded retry policy.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial    time.Duration // default: 100ms
	Max        time.Duration // default: 5s
	Multiplier float64       // default: 2
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*multiplier, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	multiplier := 2.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		if cfg.Multiplier > 1 {
			multiplier = cfg.Multiplier
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Policy retries a function a bounded number of times.
// The zero Policy makes exactly one attempt.
type Policy struct {
	Retries   int                          // additional attempts after the first
	Backoff   Config                       // delay between attempts
	Retryable func(err error) bool         // nil retries every error
	OnRetry   func(attempt int, err error) // called before each retry, optional
}

// Do runs fn until it succeeds, returns a non-retryable error, the retries
// are used up, or ctx is done. It returns the last error from fn.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := range p.Retries + 1 {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(Exponential(attempt, &p.Backoff))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
