// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package retry decides whether the outcome of an upstream attempt is
// retriable under an effective retry policy.
//
// WouldRetryOnHeaders evaluates a response Outcome and WouldRetryOnReset
// evaluates a stream reset reason. Both are pure functions of their
// inputs, so they may be called from any goroutine.
//
// The response evaluation is assembled from small deciders which can
// also be composed directly:
//
//	d := retry.Not(retry.Overloaded).
//	         And(retry.Is5xx.Or(retry.StatusCode(409, 429)))
//	if d.Decide(retry.FromResponse(resp)) {
//		...
//	}
package retry
