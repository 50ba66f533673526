// Copyright 2026 The Inkwell Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction.
//
// Every Inkwell behavior driven by the passage of time — presence
// expiry, idle-document eviction, periodic snapshots, persistence
// retry backoff — accepts a Clock instead of calling the time package
// directly. Production code injects Real(); tests inject Fake() and
// advance time explicitly, so a thirty-second eviction timer fires in
// a microsecond-scale test with no sleeps and no flakes.
//
// Typical test wiring:
//
//	fake := clock.Fake(time.Unix(1_700_000_000, 0))
//	registry := session.NewRegistry(session.Config{Clock: fake, ...})
//	// ... connect, disconnect ...
//	fake.WaitForTimers(1)              // eviction timer registered
//	fake.Advance(time.Minute)          // eviction fires deterministically
package clock

import "time"

// Clock abstracts the time operations Inkwell uses. Production code
// injects Real(); tests inject Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (Real)
	// or synchronously during Advance (Fake). The returned Timer can
	// cancel the pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a scheduled one-shot event created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. Returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Call Stop to release it; Stop
// does not close C. C is buffered with capacity 1, so ticks are
// dropped rather than queued when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. No ticks are delivered after Stop returns.
func (t *Ticker) Stop() { t.stop() }
