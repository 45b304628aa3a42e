// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

/*
Package upstream forwards HTTP requests to an upstream cluster, driving
a retrystate.State through each request's attempts.

A proxy's router normally drives the State itself, because it also
chooses the host for each retry. Client is the minimal driver for the
common case where an HTTPDoer already owns host selection:

	c := &upstream.Client{
		HTTPDoer: &http.Client{Transport: transport},
		Policy:   &policy.Policy{RetryOn: policy.On5xx | policy.OnConnectFailure, NumRetries: 2},
		Config:   retrystate.Config{Cluster: backend},
	}
	resp, err := c.Do(req)

Each response is classified with retry.FromResponse and each transport
error with reset.Categorize before the State decides.
*/
package upstream
