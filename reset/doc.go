// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package reset enumerates the reasons an upstream stream can be reset
// before a complete response arrives, and classifies Go transport errors
// into those reasons. The retry predicates in package retry consume a
// Reason to decide whether a reset is retriable.
package reset
