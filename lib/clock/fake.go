// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; timers and tickers whose deadline falls
// within the advanced span fire in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Do not call Advance from within a callback — that deadlocks.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc timers
	callback func()         // nil for After/Ticker timers
	interval time.Duration  // non-zero for tickers; rescheduled after firing
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives when the clock advances past
// the deadline. If d <= 0 it receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.register(&fakeTimer{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}
	timer := &fakeTimer{deadline: c.current.Add(d), callback: f}
	c.register(timer)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}}
}

// NewTicker returns a Ticker that fires each time the clock advances
// past a multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	ticker := &fakeTimer{deadline: c.current.Add(d), channel: channel, interval: d}
	c.register(ticker)

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// register appends a timer and wakes WaitForTimers callers. Callers
// hold c.mu.
func (c *FakeClock) register(t *fakeTimer) {
	c.timers = append(c.timers, t)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing every pending timer
// whose deadline falls within the advanced span, in deadline order.
// Tickers fire once per elapsed interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)

	for {
		next := c.nextDeadline(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		next.fired = true

		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
			next.fired = false
		}

		if next.channel != nil {
			// Capacity-1 channel: drop the tick if the consumer
			// has not drained the previous one.
			select {
			case next.channel <- c.current:
			default:
			}
		}
		if next.callback != nil {
			callback := next.callback
			c.mu.Unlock()
			callback()
			c.mu.Lock()
		}
	}

	c.current = target
	c.compact()
	c.mu.Unlock()
}

// nextDeadline returns the unfired, unstopped timer with the earliest
// deadline at or before target, or nil. Callers hold c.mu.
func (c *FakeClock) nextDeadline(target time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.deadline.After(target) {
			continue
		}
		if best == nil || t.deadline.Before(best.deadline) {
			best = t
		}
	}
	return best
}

// compact drops fired one-shot and stopped timers. Callers hold c.mu.
func (c *FakeClock) compact() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || (t.fired && t.interval == 0) {
			continue
		}
		kept = append(kept, t)
	}
	c.timers = kept
}

// WaitForTimers blocks until at least n timers (or tickers) are
// pending. Use it to synchronize with goroutines that register timers
// before calling Advance, eliminating the registration race.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingTimers returns the number of unfired, unstopped timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}
	return count
}

// Deadlines returns the pending timer deadlines in ascending order.
// Useful for asserting what a component has scheduled.
func (c *FakeClock) Deadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deadlines []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			deadlines = append(deadlines, t.deadline)
		}
	}
	sort.Slice(deadlines, func(i, j int) bool { return deadlines[i].Before(deadlines[j]) })
	return deadlines
}
