// Package testutil holds helpers shared by package tests: polling for
// asynchronous conditions and a settable clock.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

type waitOptions struct {
	timeout  time.Duration
	interval time.Duration
}

type WaitOption func(*waitOptions)

// WithTimeout bounds the wait (default 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.timeout = d }
}

// WithInterval sets the polling period (default 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *waitOptions) { o.interval = d }
}

// WaitFor polls cond until it holds or the timeout passes, and reports
// whether it held.
func WaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) bool {
	tb.Helper()
	o := waitOptions{timeout: 5 * time.Second, interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.Now().Add(o.timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(o.interval)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, cond, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount waits until counter reaches at least target.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, func() bool { return counter.Load() >= target }, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
