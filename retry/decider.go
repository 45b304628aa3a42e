// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"net/http"

	"github.com/gogama/retrystate/policy"
	"github.com/gogama/retrystate/reset"
	"google.golang.org/grpc/codes"
)

// A Decider decides if a response outcome is retriable.
//
// Implementations of Decider must be safe for concurrent use by
// multiple goroutines, and must treat the outcome as read-only.
type Decider interface {
	Decide(o *Outcome) bool
}

// The DeciderFunc type is an adapter to allow the use of ordinary
// functions as retry deciders. It implements the Decider interface, and
// also provides the logical composition methods And and Or.
//
// Every DeciderFunc must be safe for concurrent use by multiple
// goroutines.
type DeciderFunc func(o *Outcome) bool

// Decide returns f(o).
func (f DeciderFunc) Decide(o *Outcome) bool {
	return f(o)
}

// And composes two deciders into a new decider which returns true if
// both sub-deciders return true, and false otherwise.
//
// Short-circuit logic is used, so g will not be evaluated if f returns
// false.
func (f DeciderFunc) And(g DeciderFunc) DeciderFunc {
	return func(o *Outcome) bool {
		return f(o) && g(o)
	}
}

// Or composes two deciders into a new decider which returns true if
// either of the two sub-deciders returns true, but false if they both
// return false.
//
// Short-circuit logic is used, so g will not be evaluated if f returns
// true.
func (f DeciderFunc) Or(g DeciderFunc) DeciderFunc {
	return func(o *Outcome) bool {
		return f(o) || g(o)
	}
}

// Not returns a decider which inverts f.
func Not(f DeciderFunc) DeciderFunc {
	return func(o *Outcome) bool {
		return !f(o)
	}
}

var (
	// Overloaded returns true if the outcome is flagged overloaded.
	Overloaded DeciderFunc = func(o *Outcome) bool { return o.Overloaded }

	// RateLimited returns true if the outcome is flagged rate-limited.
	RateLimited DeciderFunc = func(o *Outcome) bool { return o.RateLimited }

	// Is5xx returns true if the status code is in the range 500-599.
	Is5xx DeciderFunc = func(o *Outcome) bool {
		return o.StatusCode >= 500 && o.StatusCode < 600
	}

	// IsGatewayError returns true if the status code is 502 (Bad
	// Gateway), 503 (Service Unavailable) or 504 (Gateway Timeout).
	IsGatewayError DeciderFunc = func(o *Outcome) bool {
		return o.StatusCode >= http.StatusBadGateway && o.StatusCode <= http.StatusGatewayTimeout
	}

	// IsConflict returns true if the status code is 409 (Conflict).
	IsConflict DeciderFunc = func(o *Outcome) bool {
		return o.StatusCode == http.StatusConflict
	}

	never DeciderFunc = func(_ *Outcome) bool { return false }
)

// StatusCode constructs a decider which returns true if the status code
// is contained in the list ss.
func StatusCode(ss ...uint32) DeciderFunc {
	ss2 := make([]uint32, len(ss))
	copy(ss2, ss)
	return func(o *Outcome) bool {
		for _, s := range ss2 {
			if o.StatusCode >= 0 && uint32(o.StatusCode) == s {
				return true
			}
		}
		return false
	}
}

var grpcConditions = []struct {
	code codes.Code
	bit  policy.RetryOn
}{
	{codes.Canceled, policy.OnGrpcCancelled},
	{codes.DeadlineExceeded, policy.OnGrpcDeadlineExceeded},
	{codes.ResourceExhausted, policy.OnGrpcResourceExhausted},
	{codes.Unavailable, policy.OnGrpcUnavailable},
	{codes.Internal, policy.OnGrpcInternal},
}

// GrpcStatus constructs a decider which returns true if the outcome
// carries a gRPC status whose retry condition is set in r. Bits outside
// policy.GrpcMask are ignored.
func GrpcStatus(r policy.RetryOn) DeciderFunc {
	return func(o *Outcome) bool {
		if o.GrpcStatus == nil {
			return false
		}
		for _, c := range grpcConditions {
			if *o.GrpcStatus == c.code && r.Has(c.bit) {
				return true
			}
		}
		return false
	}
}

// ForPolicy constructs the decider for the response conditions enabled
// in the effective policy p, without the overload and rate-limit vetoes
// applied by WouldRetryOnHeaders.
func ForPolicy(p *policy.Effective) DeciderFunc {
	d := never
	if p.RetryOn.Has(policy.On5xx) {
		d = d.Or(Is5xx)
	}
	if p.RetryOn.Has(policy.OnGatewayError) {
		d = d.Or(IsGatewayError)
	}
	if p.RetryOn.Has(policy.OnRetriable4xx) {
		d = d.Or(IsConflict)
	}
	if p.RetryOn.Has(policy.OnRetriableStatusCodes) {
		d = d.Or(StatusCode(p.RetriableStatusCodes...))
	}
	if p.RetryOn.Has(policy.GrpcMask) {
		d = d.Or(GrpcStatus(p.RetryOn))
	}
	return d
}

// WouldRetryOnHeaders reports whether the response outcome o is
// retriable under the effective policy p.
//
// An overloaded or rate-limited outcome is never retriable, whatever
// conditions p enables. A nil policy or outcome is never retriable.
func WouldRetryOnHeaders(p *policy.Effective, o *Outcome) bool {
	if p == nil || o == nil {
		return false
	}

	return Not(Overloaded.Or(RateLimited)).And(ForPolicy(p))(o)
}

// WouldRetryOnReset reports whether a stream reset for reason r is
// retriable under the effective policy p.
//
// A reset caused by local overflow is never retriable. Any other reset
// counts as a 5xx, so it is retriable whenever p enables On5xx or
// OnGatewayError.
func WouldRetryOnReset(p *policy.Effective, r reset.Reason) bool {
	if p == nil || r == reset.Overflow {
		return false
	}

	if p.RetryOn.Has(policy.On5xx | policy.OnGatewayError) {
		return true
	}

	if p.RetryOn.Has(policy.OnRefusedStream) && r == reset.RemoteRefusedStream {
		return true
	}

	return p.RetryOn.Has(policy.OnConnectFailure) && r == reset.ConnectionFailure
}
