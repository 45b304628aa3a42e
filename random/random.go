// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package random

import (
	"math/rand"
	"sync"
	"time"
)

// A Generator supplies uniformly distributed unsigned 64-bit values.
//
// Implementations of Generator must be safe for concurrent use by
// multiple goroutines.
type Generator interface {
	Random() uint64
}

// Default is a Generator seeded from the current time.
var Default = New(time.Now())

// New constructs a Generator from a seed value or an existing source.
//
// Parameter seed may be a time.Time, int, or int64, in which case it
// seeds a new random number generator; or a rand.Source or *rand.Rand,
// in which case it is used directly. Any other type, including nil,
// causes a panic.
func New(seed interface{}) Generator {
	return &generator{rand: seedToRand(seed)}
}

type generator struct {
	rand *rand.Rand
	lock sync.Mutex
}

func (g *generator) Random() uint64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rand.Uint64()
}

// Sequence is a Generator which returns its values in order, wrapping
// around at the end. It is intended for tests that need predictable
// jitter and feature sampling. The zero value always returns zero.
type Sequence struct {
	Values []uint64
	i      int
	lock   sync.Mutex
}

// Random returns the next value in the sequence.
func (s *Sequence) Random() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.Values) == 0 {
		return 0
	}
	v := s.Values[s.i%len(s.Values)]
	s.i++
	return v
}

func seedToRand(seed interface{}) *rand.Rand {
	var s rand.Source
	switch j := seed.(type) {
	case time.Time:
		s = rand.NewSource(j.UnixNano())
	case int:
		s = rand.NewSource(int64(j))
	case int64:
		s = rand.NewSource(j)
	case *rand.Rand:
		if j == nil {
			panic("retrystate/random: seed may not be a typed nil")
		}
		return j
	case rand.Source:
		if j == nil {
			panic("retrystate/random: nil source")
		}
		s = j
	default:
		panic("retrystate/random: invalid seed type")
	}
	return rand.New(s)
}
