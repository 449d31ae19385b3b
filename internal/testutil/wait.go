// Package testutil holds helpers for tests that wait on asynchronous runs.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// waitConfig bounds a polling loop.
type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// WaitOption adjusts a polling loop.
type WaitOption func(*waitConfig)

// WithTimeout sets how long to poll before giving up (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets the pause between polls (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.interval = d }
}

func newWaitConfig(opts []WaitOption) waitConfig {
	c := waitConfig{timeout: 30 * time.Second, interval: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Eventually polls fetch until it reports ok and returns the value it
// produced. The last value is returned with false on timeout. fetch is
// called once more at the deadline so a slow final poll is not lost.
func Eventually[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()
	c := newWaitConfig(opts)

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		v, ok := fetch()
		if ok {
			return v, true
		}
		select {
		case <-deadline.C:
			return fetch()
		case <-ticker.C:
		}
	}
}

// MustEventually is Eventually that fails the test on timeout.
func MustEventually[T any](tb testing.TB, fetch func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := Eventually(tb, fetch, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for value (last: %+v)", v)
	}
	return v
}

// WaitFor polls condition until it holds. It reports false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := Eventually(tb, func() (struct{}, bool) { return struct{}{}, condition() }, opts...)
	return ok
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount polls until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
