// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package timer

import (
	"sync"
	"time"
)

// A Dispatcher creates timers.
//
// Implementations of Dispatcher must be safe for concurrent use by
// multiple goroutines.
type Dispatcher interface {
	// CreateTimer returns a new, disabled timer which calls cb each
	// time it fires.
	CreateTimer(cb func()) Timer
}

// A Timer is a re-armable one-shot timer.
type Timer interface {
	// Enable arms the timer to fire once after d. Enabling an armed
	// timer replaces the pending fire.
	Enable(d time.Duration)
	// Disable cancels any pending fire. Once Disable returns, the
	// callback will not be invoked until the timer is enabled again.
	Disable()
	// Enabled reports whether a fire is pending.
	Enabled() bool
}

// NewDispatcher returns a Dispatcher whose timers fire on their own
// goroutine, as with time.AfterFunc.
func NewDispatcher() Dispatcher {
	return dispatcher{}
}

type dispatcher struct{}

func (dispatcher) CreateTimer(cb func()) Timer {
	if cb == nil {
		panic("retrystate/timer: nil callback")
	}
	return &realTimer{cb: cb}
}

type realTimer struct {
	cb      func()
	lock    sync.Mutex
	t       *time.Timer
	gen     uint64
	enabled bool
}

func (t *realTimer) Enable(d time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stop()
	t.enabled = true
	gen := t.gen
	t.t = time.AfterFunc(d, func() {
		t.lock.Lock()
		if gen != t.gen || !t.enabled {
			t.lock.Unlock()
			return
		}
		t.enabled = false
		t.lock.Unlock()
		t.cb()
	})
}

func (t *realTimer) Disable() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.stop()
	t.enabled = false
}

func (t *realTimer) Enabled() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.enabled
}

// stop invalidates any pending fire. Callers must hold the lock.
func (t *realTimer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
}
