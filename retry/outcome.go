// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package retry

import (
	"net/http"
	"strconv"

	"google.golang.org/grpc/codes"
)

// Response header names consulted when building an Outcome.
const (
	HeaderOverloaded  = "x-envoy-overloaded"
	HeaderRateLimited = "x-envoy-ratelimited"
	HeaderGrpcStatus  = "grpc-status"
)

// An Outcome is the observable result of an upstream attempt which
// produced a response.
type Outcome struct {
	// StatusCode is the HTTP response status code.
	StatusCode int
	// Overloaded indicates the response was generated because a proxy
	// on the path was overloaded.
	Overloaded bool
	// RateLimited indicates the response was generated by rate
	// limiting.
	RateLimited bool
	// GrpcStatus is the parsed gRPC status of the response, or nil if
	// the response carried none.
	GrpcStatus *codes.Code
}

// FromResponse builds an Outcome from an HTTP response. The gRPC status
// is read from the headers, falling back to the trailers. A nil response
// produces a nil Outcome.
func FromResponse(r *http.Response) *Outcome {
	if r == nil {
		return nil
	}

	return FromHeader(r.StatusCode, r.Header, r.Trailer)
}

// FromHeader builds an Outcome from a status code, response headers and
// optional trailers. A grpc-status value which is not an unsigned
// integer is ignored.
func FromHeader(status int, header, trailer http.Header) *Outcome {
	o := &Outcome{
		StatusCode:  status,
		Overloaded:  len(header.Values(HeaderOverloaded)) > 0,
		RateLimited: len(header.Values(HeaderRateLimited)) > 0,
	}

	if c, ok := grpcStatus(header); ok {
		o.GrpcStatus = &c
	} else if c, ok = grpcStatus(trailer); ok {
		o.GrpcStatus = &c
	}

	return o
}

func grpcStatus(h http.Header) (codes.Code, bool) {
	v := h.Get(HeaderGrpcStatus)
	if v == "" {
		return 0, false
	}

	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}

	return codes.Code(n), true
}
