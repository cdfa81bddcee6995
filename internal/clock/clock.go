// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package clock provides the time source and cancellable scheduling used by
// the session and lockout trackers.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already
	// fired or was already stopped.
	Stop() bool
}

// Clock is a time source that can schedule deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// =============================================================================
// REAL CLOCK
// =============================================================================

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// =============================================================================
// MANUAL CLOCK
// =============================================================================

// Manual is a Clock whose time only moves when Advance or Set is called.
// Callbacks run synchronously on the goroutine that advances the clock.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	when  time.Time
	seq   uint64
	f     func()
	done  bool
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
// A non-positive d fires on the next Advance, even Advance(0).
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{
		clock: m,
		when:  m.now.Add(d),
		seq:   m.seq,
		f:     f,
	}
	m.timers = append(m.timers, t)
	return t
}

// Stop cancels the timer.
func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	m.removeLocked(t)
	return true
}

// Advance moves the clock forward by d, firing every callback that falls due
// in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t, firing every callback due at or before t.
// Moving backwards only changes Now.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		next := m.nextDueLocked(t)
		if next == nil {
			m.now = t
			m.mu.Unlock()
			return
		}
		if next.when.After(m.now) {
			m.now = next.when
		}
		next.done = true
		m.removeLocked(next)
		m.mu.Unlock()

		next.f()
	}
}

// Pending returns the number of callbacks that have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) nextDueLocked(limit time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		a, b := m.timers[i], m.timers[j]
		if a.when.Equal(b.when) {
			return a.seq < b.seq
		}
		return a.when.Before(b.when)
	})
	first := m.timers[0]
	if first.when.After(limit) {
		return nil
	}
	return first
}

func (m *Manual) removeLocked(t *manualTimer) {
	for i, candidate := range m.timers {
		if candidate == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}
