// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package policy

import (
	"strings"
)

// RetryOn is a set of conditions under which a request is retried.
type RetryOn uint32

const (
	// On5xx retries on any 5xx response and on any upstream reset.
	On5xx RetryOn = 1 << iota
	// OnGatewayError retries on 502, 503 and 504 responses and on any
	// upstream reset.
	OnGatewayError
	// OnConnectFailure retries when the upstream connection could not
	// be established.
	OnConnectFailure
	// OnRetriable4xx retries on 409 (Conflict) responses.
	OnRetriable4xx
	// OnRefusedStream retries when the upstream refused the stream
	// (HTTP/2 REFUSED_STREAM).
	OnRefusedStream
	// OnGrpcCancelled retries on gRPC status CANCELLED.
	OnGrpcCancelled
	// OnGrpcDeadlineExceeded retries on gRPC status DEADLINE_EXCEEDED.
	OnGrpcDeadlineExceeded
	// OnGrpcResourceExhausted retries on gRPC status RESOURCE_EXHAUSTED.
	OnGrpcResourceExhausted
	// OnGrpcUnavailable retries on gRPC status UNAVAILABLE.
	OnGrpcUnavailable
	// OnGrpcInternal retries on gRPC status INTERNAL.
	OnGrpcInternal
	// OnRetriableStatusCodes retries on any status code in the
	// effective policy's retriable status code list.
	OnRetriableStatusCodes
)

// GrpcMask contains every gRPC status condition.
const GrpcMask = OnGrpcCancelled | OnGrpcDeadlineExceeded | OnGrpcResourceExhausted |
	OnGrpcUnavailable | OnGrpcInternal

var retryOnTokens = []struct {
	token string
	bit   RetryOn
}{
	{"5xx", On5xx},
	{"gateway-error", OnGatewayError},
	{"connect-failure", OnConnectFailure},
	{"retriable-4xx", OnRetriable4xx},
	{"refused-stream", OnRefusedStream},
	{"retriable-status-codes", OnRetriableStatusCodes},
}

var retryGrpcOnTokens = []struct {
	token string
	bit   RetryOn
}{
	{"cancelled", OnGrpcCancelled},
	{"deadline-exceeded", OnGrpcDeadlineExceeded},
	{"resource-exhausted", OnGrpcResourceExhausted},
	{"unavailable", OnGrpcUnavailable},
	{"internal", OnGrpcInternal},
}

// Has reports whether any of the conditions in c are set in r.
func (r RetryOn) Has(c RetryOn) bool {
	return r&c != 0
}

// String returns the conditions in r as a comma-separated token list,
// HTTP conditions first, in the same vocabulary accepted by ParseRetryOn
// and ParseRetryGrpcOn.
func (r RetryOn) String() string {
	var b strings.Builder
	add := func(token string) {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(token)
	}
	for _, t := range retryOnTokens {
		if r.Has(t.bit) {
			add(t.token)
		}
	}
	for _, t := range retryGrpcOnTokens {
		if r.Has(t.bit) {
			add(t.token)
		}
	}
	return b.String()
}

// ParseRetryOn parses a comma-separated list of HTTP retry conditions.
// Tokens must match exactly; unknown and empty tokens are ignored.
func ParseRetryOn(s string) RetryOn {
	var r RetryOn
	for _, token := range splitToken(s) {
		for _, t := range retryOnTokens {
			if token == t.token {
				r |= t.bit
				break
			}
		}
	}
	return r
}

// ParseRetryGrpcOn parses a comma-separated list of gRPC retry
// conditions. Tokens must match exactly; unknown and empty tokens are
// ignored.
func ParseRetryGrpcOn(s string) RetryOn {
	var r RetryOn
	for _, token := range splitToken(s) {
		for _, t := range retryGrpcOnTokens {
			if token == t.token {
				r |= t.bit
				break
			}
		}
	}
	return r
}

// UnmarshalText parses a token list such as "5xx,cancelled", so RetryOn
// can be read from YAML or JSON configuration. HTTP and gRPC tokens may
// be mixed.
func (r *RetryOn) UnmarshalText(text []byte) error {
	s := string(text)
	*r = ParseRetryOn(s) | ParseRetryGrpcOn(s)
	return nil
}

// MarshalText returns the same token list as String.
func (r RetryOn) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func splitToken(s string) []string {
	parts := strings.Split(s, ",")
	tokens := parts[:0]
	for _, p := range parts {
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
