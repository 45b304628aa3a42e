// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package backoff

import (
	"sync"
	"time"

	"github.com/gogama/retrystate/random"
)

// A Strategy computes successive retry backoff delays.
//
// Delays have millisecond granularity.
type Strategy interface {
	// NextBackOff returns the delay to wait before the next retry and
	// advances the strategy.
	NextBackOff() time.Duration
	// Reset returns the strategy to its initial state.
	Reset()
}

// NewFixed constructs a Strategy that always returns d, truncated to
// whole milliseconds.
func NewFixed(d time.Duration) Strategy {
	if d < 0 {
		panic("retrystate/backoff: negative delay")
	}
	return fixed(d.Truncate(time.Millisecond))
}

type fixed time.Duration

func (f fixed) NextBackOff() time.Duration {
	return time.Duration(f)
}

func (f fixed) Reset() {}

// NewJittered constructs a Strategy implementing a fully jittered
// exponential backoff.
//
// The n-th call to NextBackOff (counting from one) draws a delay
// uniformly from [0, ceil), where
//
//	ceil := (2**n - 1) * base
//
// and clamps the result to max. Once ceil exceeds max the exponent stops
// growing, so the delay bound never decreases and never exceeds max.
//
// Base must be at least one millisecond and max must be at least base.
// Both are truncated to whole milliseconds. Parameter g supplies the
// jitter and may not be nil.
func NewJittered(base, max time.Duration, g random.Generator) Strategy {
	if base < time.Millisecond {
		panic("retrystate/backoff: base must be at least 1ms")
	}
	if max < base {
		panic("retrystate/backoff: max must be at least base")
	}
	if g == nil {
		panic("retrystate/backoff: nil random generator")
	}
	return &jittered{
		baseMs:  uint64(base.Milliseconds()),
		maxMs:   uint64(max.Milliseconds()),
		random:  g,
		attempt: 1,
	}
}

type jittered struct {
	baseMs  uint64
	maxMs   uint64
	random  random.Generator
	attempt uint
	lock    sync.Mutex
}

func (j *jittered) NextBackOff() time.Duration {
	j.lock.Lock()
	defer j.lock.Unlock()

	ceil := (uint64(1)<<j.attempt - 1) * j.baseMs
	if ceil <= j.maxMs {
		j.attempt++
	}

	d := j.random.Random() % ceil
	if d > j.maxMs {
		d = j.maxMs
	}

	return time.Duration(d) * time.Millisecond
}

func (j *jittered) Reset() {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.attempt = 1
}

// Ceiling returns the upper bound on the delay of the n-th call
// (counting from one) to NextBackOff on a Strategy constructed with
// NewJittered(base, max, g). Delays are strictly below the bound unless
// it is capped at max.
func Ceiling(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	c := base
	for i := 1; i < n && c <= max; i++ {
		c = 2*c + base
	}
	if c > max {
		return max
	}
	return c
}
