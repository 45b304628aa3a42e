// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package policy merges a statically configured route retry Policy with
// the retry directives carried on an individual request into the
// Effective policy used for that request's lifetime.
//
// Four request headers carry directives:
//
//	x-envoy-retry-on               comma-separated RetryOn tokens
//	x-envoy-retry-grpc-on          comma-separated gRPC RetryOn tokens
//	x-envoy-max-retries            unsigned integer retry count
//	x-envoy-retriable-status-codes comma-separated status codes
//
// Merge consumes and removes all four, so they are never forwarded to
// the upstream. Unknown tokens and malformed integers are ignored.
package policy
