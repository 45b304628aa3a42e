// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policy

import (
	"net/http"
	"strconv"
)

// Request header names carrying per-request retry directives.
const (
	HeaderRetryOn              = "x-envoy-retry-on"
	HeaderRetryGrpcOn          = "x-envoy-retry-grpc-on"
	HeaderMaxRetries           = "x-envoy-max-retries"
	HeaderRetriableStatusCodes = "x-envoy-retriable-status-codes"
)

var directiveHeaders = []string{
	HeaderRetryOn,
	HeaderRetryGrpcOn,
	HeaderMaxRetries,
	HeaderRetriableStatusCodes,
}

// A HostPredicate takes part in choosing the upstream host for a retry.
// The retry engine hands host predicates through untouched.
type HostPredicate interface {
	// ShouldSelectAnotherHost reports whether host should be rejected
	// for the retry and another host selected.
	ShouldSelectAnotherHost(host string) bool
	// OnHostAttempted is called with each host an attempt is sent to.
	OnHostAttempted(host string)
}

// A PriorityStrategy adjusts priority-level load for retries. The retry
// engine hands it through untouched.
type PriorityStrategy interface {
	// PriorityLoad returns the priority load to use for a retry given
	// the original load.
	PriorityLoad(base []uint32) []uint32
	// OnHostAttempted is called with each host an attempt is sent to.
	OnHostAttempted(host string)
}

// A Policy is the retry policy configured on a route. A Policy is
// immutable once in use and may be shared by any number of requests.
type Policy struct {
	// RetryOn is the set of conditions that trigger a retry.
	RetryOn RetryOn `yaml:"retry_on"`
	// NumRetries is the number of retries allowed. Values below one are
	// treated as one.
	NumRetries uint32 `yaml:"num_retries"`
	// RetriableStatusCodes is consulted when RetryOn contains
	// OnRetriableStatusCodes.
	RetriableStatusCodes []uint32 `yaml:"retriable_status_codes"`
	// HostSelectionMaxAttempts caps the number of host selection
	// attempts made while choosing the retry host.
	HostSelectionMaxAttempts uint32 `yaml:"host_selection_retry_max_attempts"`
	// HostPredicates are passed through to the retry host selection.
	HostPredicates []HostPredicate `yaml:"-"`
	// Priority is passed through to the retry host selection.
	Priority PriorityStrategy `yaml:"-"`
}

// An Effective policy is the merger of a route Policy and the retry
// directives of one request. It is built once when the request starts.
type Effective struct {
	RetryOn                  RetryOn
	RetriableStatusCodes     []uint32
	MaxRetries               uint32
	HostSelectionMaxAttempts uint32
	HostPredicates           []HostPredicate
	Priority                 PriorityStrategy
}

// Merge builds the effective policy for a request from the route policy
// p (which may be nil) and the request headers h.
//
// If neither p nor h declares any retry-on condition list, Merge
// returns nil and false: there is no chance of a retry, so no retry
// state should exist for the request. Note that a header which is
// present but contains only unknown tokens still counts as declared.
//
// In every case Merge strips the retry directive headers from h.
func Merge(p *Policy, h http.Header) (*Effective, bool) {
	defer Strip(h)

	if p == nil {
		p = &Policy{}
	}

	retryOnValues := h.Values(HeaderRetryOn)
	retryGrpcOnValues := h.Values(HeaderRetryGrpcOn)
	if p.RetryOn == 0 && len(retryOnValues) == 0 && len(retryGrpcOnValues) == 0 {
		return nil, false
	}

	e := &Effective{
		RetryOn:                  p.RetryOn,
		MaxRetries:               p.NumRetries,
		HostSelectionMaxAttempts: p.HostSelectionMaxAttempts,
		HostPredicates:           p.HostPredicates,
		Priority:                 p.Priority,
	}
	if e.MaxRetries < 1 {
		e.MaxRetries = 1
	}
	if len(p.RetriableStatusCodes) > 0 {
		e.RetriableStatusCodes = make([]uint32, len(p.RetriableStatusCodes))
		copy(e.RetriableStatusCodes, p.RetriableStatusCodes)
	}

	if len(retryOnValues) > 0 {
		e.RetryOn |= ParseRetryOn(retryOnValues[0])
	}
	if len(retryGrpcOnValues) > 0 {
		e.RetryOn |= ParseRetryGrpcOn(retryGrpcOnValues[0])
	}
	// The max retries header only counts once some condition is enabled.
	if e.RetryOn != 0 {
		if v := h.Values(HeaderMaxRetries); len(v) > 0 {
			if n, err := strconv.ParseUint(v[0], 10, 32); err == nil {
				e.MaxRetries = uint32(n)
			}
		}
	}
	if v := h.Values(HeaderRetriableStatusCodes); len(v) > 0 {
		e.RetriableStatusCodes = ParseStatusCodes(v[0], e.RetriableStatusCodes)
	}

	return e, true
}

// Strip removes all retry directive headers from h.
func Strip(h http.Header) {
	for _, name := range directiveHeaders {
		h.Del(name)
	}
}

// ParseStatusCodes parses a comma-separated list of unsigned integers,
// appending each valid one to codes and returning the extended slice.
// Malformed entries are ignored.
func ParseStatusCodes(s string, codes []uint32) []uint32 {
	for _, token := range splitToken(s) {
		if n, err := strconv.ParseUint(token, 10, 32); err == nil {
			codes = append(codes, uint32(n))
		}
	}
	return codes
}
