// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package retrystate decides, for one proxied upstream request, whether a
failed attempt is retried and when.

Create a State when the request starts. The State merges the route's
retry policy with the retry directive headers of the request, and
strips those headers so they are not forwarded upstream:

	c, err := cluster.New("backend", cluster.Thresholds{}, prometheus.DefaultRegisterer)
	...
	p := &policy.Policy{RetryOn: policy.On5xx | policy.OnConnectFailure, NumRetries: 2}
	s := retrystate.Create(p, req.Header, retrystate.Config{Cluster: c})
	if s == nil {
		// Nothing in the route or the request enables retries: send
		// the request once.
		return send(req)
	}
	defer s.Close()

After every upstream attempt, ask the State for a decision, giving it
the continuation which re-issues the attempt:

	switch s.DecideHeaders(retry.FromResponse(resp), sendAgain) {
	case retrystate.Yes:
		// sendAgain will be called after the backoff delay.
	case retrystate.NoOverflow, retrystate.NoRetryLimitExceeded, retrystate.No:
		// Forward resp downstream.
	}

When an attempt fails before producing a response, categorise the
failure with package reset and call DecideReset instead.

While a retry is scheduled, the State holds one admission token from
the cluster's retry concurrency limit, so that a failing cluster is
not overwhelmed by retries. Backoff delays use full jitter (package
backoff). The base interval and a global retry kill switch come from
runtime configuration (package runtimecfg).

To observe a State's lifecycle, install handlers:

	handlers := &retrystate.HandlerGroup{}
	handlers.PushBack(retrystate.RetryArmed, retrystate.HandlerFunc(
		func(_ retrystate.Event, s *retrystate.State) {
			log.Printf("retry %s armed, %d left", s.ID(), s.RetriesRemaining())
		}),
	)
*/
package retrystate
