// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package runtimecfg

import (
	"github.com/gogama/retrystate/random"
)

// Runtime keys read by the retry engine.
const (
	KeyBaseRetryBackoffMs = "upstream.base_retry_backoff_ms"
	KeyUseRetry           = "upstream.use_retry"
)

// A Snapshot is a consistent view of runtime values.
//
// Implementations of Snapshot must be safe for concurrent use by
// multiple goroutines.
type Snapshot interface {
	// GetInteger returns the value of key, or def if key is not set.
	GetInteger(key string, def uint64) uint64
	// FeatureEnabled samples a percentage gate: it returns true with a
	// probability of N percent, where N is the value of key, or
	// defPercent if key is not set. Every call draws a fresh sample.
	FeatureEnabled(key string, defPercent uint64) bool
}

// A Loader supplies the current runtime snapshot.
//
// Implementations of Loader must be safe for concurrent use by multiple
// goroutines.
type Loader interface {
	Snapshot() Snapshot
}

// NewStatic returns a Loader which always serves the given values. The
// map is copied. Parameter g supplies feature-gate samples; if it is
// nil, random.Default is used.
func NewStatic(values map[string]uint64, g random.Generator) Loader {
	return staticLoader{newSnapshot(values, g)}
}

type staticLoader struct {
	s *snapshot
}

func (l staticLoader) Snapshot() Snapshot {
	return l.s
}

type snapshot struct {
	values map[string]uint64
	random random.Generator
}

func newSnapshot(values map[string]uint64, g random.Generator) *snapshot {
	if g == nil {
		g = random.Default
	}
	s := &snapshot{
		values: make(map[string]uint64, len(values)),
		random: g,
	}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

func (s *snapshot) GetInteger(key string, def uint64) uint64 {
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

func (s *snapshot) FeatureEnabled(key string, defPercent uint64) bool {
	return s.random.Random()%100 < s.GetInteger(key, defPercent)
}
