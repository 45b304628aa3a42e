// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package random provides the randomness capability consumed by the
// retry engine: jitter in package backoff and feature-gate sampling in
// package runtimecfg.
//
// The engine never owns a random source. Construct a Generator with New
// and inject it, or implement Generator yourself (for example to make
// jitter deterministic in tests).
package random
