// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retrystate

// A Status is the result of a retry decision.
type Status int

const (
	// No means the request is not retried: the outcome was not
	// retriable, or retries are disabled by runtime configuration.
	No Status = iota
	// NoOverflow means the outcome was retriable but the cluster's
	// retry concurrency limit is reached.
	NoOverflow
	// NoRetryLimitExceeded means the request has used up its retries.
	NoRetryLimitExceeded
	// Yes means a retry is scheduled: the continuation will be called
	// after the backoff delay.
	Yes

	statusSentinel
)

var statusNames = []string{
	"No",
	"NoOverflow",
	"NoRetryLimitExceeded",
	"Yes",
}

// String returns the name of the status.
func (st Status) String() string {
	if st < 0 || st >= statusSentinel {
		return "Unknown"
	}
	return statusNames[st]
}
