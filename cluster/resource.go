// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package cluster

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// A Resource is a counted resource with a fixed capacity, such as the
// number of retries a cluster allows to be in flight at once.
type Resource interface {
	// CanCreate reports whether the resource currently has capacity.
	// The answer may be stale by the time it is acted on; use
	// TryAcquire to reserve capacity.
	CanCreate() bool
	// TryAcquire atomically reserves one unit if capacity remains, and
	// reports whether it did.
	TryAcquire() bool
	// Release returns one previously reserved unit. Releasing more
	// units than were reserved panics.
	Release()
	// Count returns the number of units currently reserved.
	Count() uint64
	// Max returns the capacity.
	Max() uint64
}

// NewResource constructs a Resource with capacity max.
func NewResource(max uint64) Resource {
	return &resource{max: max}
}

type resource struct {
	count atomic.Uint64
	max   uint64
	gauge prometheus.Gauge
}

func (r *resource) CanCreate() bool {
	return r.count.Load() < r.max
}

func (r *resource) TryAcquire() bool {
	for {
		c := r.count.Load()
		if c >= r.max {
			return false
		}
		if r.count.CompareAndSwap(c, c+1) {
			if r.gauge != nil {
				r.gauge.Inc()
			}
			return true
		}
	}
}

func (r *resource) Release() {
	for {
		c := r.count.Load()
		if c == 0 {
			panic("retrystate/cluster: resource released below zero")
		}
		if r.count.CompareAndSwap(c, c-1) {
			if r.gauge != nil {
				r.gauge.Dec()
			}
			return
		}
	}
}

func (r *resource) Count() uint64 {
	return r.count.Load()
}

func (r *resource) Max() uint64 {
	return r.max
}

// A Token is a single reservation against a Resource. It must be
// released exactly once.
type Token struct {
	resource Resource
	released atomic.Bool
}

// Acquire reserves one unit of r. If r has no capacity, Acquire returns
// nil and false.
func Acquire(r Resource) (*Token, bool) {
	if !r.TryAcquire() {
		return nil, false
	}

	return &Token{resource: r}, true
}

// Release returns the reserved unit to its resource. Releasing a token
// twice panics.
func (t *Token) Release() {
	if !t.released.CompareAndSwap(false, true) {
		panic("retrystate/cluster: token released twice")
	}

	t.resource.Release()
}

// Released reports whether the token has been released.
func (t *Token) Released() bool {
	return t.released.Load()
}
