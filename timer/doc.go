// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package timer is the one-shot timer substrate the retry scheduler arms
// its backoff on.
//
// NewDispatcher returns a Dispatcher backed by the standard library's
// time.AfterFunc. Manual is a Dispatcher whose clock only moves when
// Advance is called, which makes backoff behaviour deterministic in
// tests.
package timer
