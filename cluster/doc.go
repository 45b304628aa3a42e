// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package cluster holds the state an upstream cluster shares between
// all of its in-flight requests: the per-priority admission limiter on
// concurrent retries, and the retry statistics.
//
// Create one Cluster per upstream cluster and share it:
//
//	c, err := cluster.New("backend", cluster.Thresholds{
//		Default: cluster.Limits{MaxRetries: 10},
//	}, prometheus.DefaultRegisterer)
//
// Everything in this package is safe for concurrent use by multiple
// goroutines.
package cluster
