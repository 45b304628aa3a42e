// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package runtimecfg provides the runtime configuration snapshots the
// retry engine reads its tunables from.
//
// A Snapshot answers integer lookups and percentage feature gates. The
// retry engine reads two keys:
//
//	upstream.base_retry_backoff_ms  base backoff interval (default 25)
//	upstream.use_retry              percent of retry decisions allowed (default 100)
//
// NewStatic serves a fixed set of values. A FileLoader serves values
// read from a YAML file, and can watch the file to reload it when it
// changes. Nested YAML maps are flattened into dotted keys, so both of
// these files set the same key:
//
//	upstream.use_retry: 50
//
//	upstream:
//	  use_retry: 50
package runtimecfg
