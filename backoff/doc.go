// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package backoff generates the delays the retry scheduler waits before
// re-issuing an upstream attempt.
//
// A Strategy is stateful: each call to NextBackOff advances it. The
// scheduler owns one Strategy per request, so a Strategy is never shared
// between requests:
//
//	s := backoff.NewJittered(25*time.Millisecond, 250*time.Millisecond, random.Default)
//	first := s.NextBackOff()  // in [0ms, 25ms)
//	second := s.NextBackOff() // in [0ms, 75ms)
package backoff
