// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retrystate

// An Event identifies a point in a State's lifecycle at which installed
// handlers run.
type Event int

const (
	// AfterDecision identifies the event that occurs after every retry
	// decision. State.LastDecision returns the decision's status.
	AfterDecision Event = iota
	// RetryArmed identifies the event that occurs when a decision
	// schedules a retry, after the backoff timer is armed and before
	// AfterDecision.
	RetryArmed
	// BeforeRetry identifies the event that occurs when the backoff
	// timer fires, immediately before the continuation is called.
	BeforeRetry
	// RetrySucceeded identifies the event that occurs when a decision
	// finds the previous retry's attempt did not need retrying.
	RetrySucceeded
	// RetryOverflowed identifies the event that occurs when the
	// cluster's retry concurrency limit refuses a retry.
	RetryOverflowed
	// RetryReleased identifies the event that occurs when a State
	// returns its admission token to the cluster.
	RetryReleased
	// eventSentinel provides the total number of events typed as an
	// Event.
	eventSentinel

	// numEvents provides the total number of events types as an int.
	numEvents = int(eventSentinel)
)

var eventNames = []string{
	"AfterDecision",
	"RetryArmed",
	"BeforeRetry",
	"RetrySucceeded",
	"RetryOverflowed",
	"RetryReleased",
}

// Events returns a slice containing all events which can occur in a
// State's lifecycle.
func Events() []Event {
	return []Event{
		AfterDecision,
		RetryArmed,
		BeforeRetry,
		RetrySucceeded,
		RetryOverflowed,
		RetryReleased,
	}
}

// Name returns the name of the event.
func (evt Event) Name() string {
	return eventNames[int(evt)]
}

// String returns the name of the event.
func (evt Event) String() string {
	return evt.Name()
}
