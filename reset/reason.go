// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package reset

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/net/http2"
)

// A Reason is the reason an upstream stream was reset.
type Reason int

const (
	// Other is any reset reason not covered by another value.
	Other Reason = iota
	// Overflow indicates the stream was reset locally because a
	// resource limit (for example the cluster's pending request or
	// retry budget) was exhausted. It is never an upstream fault.
	Overflow
	// RemoteRefusedStream indicates the upstream refused the stream
	// before processing it (HTTP/2 REFUSED_STREAM).
	RemoteRefusedStream
	// ConnectionFailure indicates the connection to the upstream could
	// not be established.
	ConnectionFailure
	// ConnectionTermination indicates an established connection was
	// terminated while the stream was active.
	ConnectionTermination
	// LocalReset indicates the stream was reset locally, for example
	// because the downstream went away.
	LocalReset
	// RemoteReset indicates the upstream reset the stream for a reason
	// other than refusing it.
	RemoteReset

	reasonSentinel
)

var reasonNames = []string{
	"other",
	"overflow",
	"remote-refused-stream",
	"connection-failure",
	"connection-termination",
	"local-reset",
	"remote-reset",
}

// String returns the name of the reset reason.
func (r Reason) String() string {
	if r < 0 || r >= reasonSentinel {
		return "unknown"
	}
	return reasonNames[r]
}

// ErrOverflow is the error a caller should return, or wrap, when it
// rejects an upstream stream for local resource exhaustion. Categorize
// maps it to Overflow.
var ErrOverflow = errors.New("retrystate/reset: upstream overflow")

// Categorize returns the reset reason for an error produced while
// sending a request upstream. A nil error, or an error which matches no
// known cause, produces Other.
//
// Categorize looks at wrapped causes within err, not just err itself.
// HTTP/2 stream and GOAWAY errors are recognised when they are the
// error types of golang.org/x/net/http2.
func Categorize(err error) Reason {
	if err == nil {
		return Other
	}

	if errors.Is(err, ErrOverflow) {
		return Overflow
	}

	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		if streamErr.Code == http2.ErrCodeRefusedStream {
			return RemoteRefusedStream
		}
		return RemoteReset
	}

	var goAwayErr http2.GoAwayError
	if errors.As(err, &goAwayErr) {
		if goAwayErr.ErrCode == http2.ErrCodeRefusedStream {
			return RemoteRefusedStream
		}
		return ConnectionTermination
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ConnectionFailure
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return ConnectionFailure
		case syscall.ECONNRESET, syscall.EPIPE:
			return ConnectionTermination
		}
	}

	return Other
}
