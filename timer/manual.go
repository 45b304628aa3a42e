// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"sync"
	"time"
)

// Manual is a Dispatcher driven by an explicit clock. Its timers only
// fire during a call to Advance, on the goroutine calling Advance.
//
// The zero value is ready to use, with the clock at zero.
type Manual struct {
	lock   sync.Mutex
	now    time.Duration
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m        *Manual
	cb       func()
	deadline time.Duration
	seq      uint64
	enabled  bool
}

// CreateTimer returns a new, disabled timer.
func (m *Manual) CreateTimer(cb func()) Timer {
	if cb == nil {
		panic("retrystate/timer: nil callback")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	t := &manualTimer{m: m, cb: cb}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the time elapsed on the manual clock.
func (m *Manual) Now() time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	n := 0
	for _, t := range m.timers {
		if t.enabled {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls within the window in deadline order (ties in the order
// the timers were armed). Callbacks may arm or disable timers; a timer
// armed with a deadline inside the window fires during the same call.
func (m *Manual) Advance(d time.Duration) {
	m.lock.Lock()
	target := m.now + d
	for {
		var next *manualTimer
		for _, t := range m.timers {
			if !t.enabled || t.deadline > target {
				continue
			}
			if next == nil || t.deadline < next.deadline ||
				(t.deadline == next.deadline && t.seq < next.seq) {
				next = t
			}
		}
		if next == nil {
			break
		}
		m.now = next.deadline
		next.enabled = false
		m.lock.Unlock()
		next.cb()
		m.lock.Lock()
	}
	m.now = target
	m.lock.Unlock()
}

func (t *manualTimer) Enable(d time.Duration) {
	t.m.lock.Lock()
	defer t.m.lock.Unlock()
	if d < 0 {
		d = 0
	}
	t.m.seq++
	t.seq = t.m.seq
	t.deadline = t.m.now + d
	t.enabled = true
}

func (t *manualTimer) Disable() {
	t.m.lock.Lock()
	defer t.m.lock.Unlock()
	t.enabled = false
}

func (t *manualTimer) Enabled() bool {
	t.m.lock.Lock()
	defer t.m.lock.Unlock()
	return t.enabled
}
