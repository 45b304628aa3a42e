// Copyright 2021 The retrystate Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package upstream

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gogama/retrystate"
	"github.com/gogama/retrystate/policy"
	"github.com/gogama/retrystate/reset"
	"github.com/gogama/retrystate/retry"
)

// An HTTPDoer implements a Do method in the same manner as the GoLang
// standard library http.Client from the net/http package.
type HTTPDoer interface {
	// Do sends an HTTP request and returns an HTTP response following
	// policy (such as redirects, cookies, auth) configured on the
	// HTTPDoer.
	Do(r *http.Request) (*http.Response, error)
}

// A Client forwards requests to one upstream cluster, retrying failed
// attempts as directed by a route retry policy and the retry directive
// headers of each request.
//
// A Client is safe for concurrent use by multiple goroutines. Its zero
// value is not usable: Config.Cluster must be set.
type Client struct {
	// HTTPDoer sends each attempt.
	//
	// If HTTPDoer is nil, http.DefaultClient from the standard net/http
	// package is used.
	HTTPDoer HTTPDoer
	// Policy is the route retry policy. It may be nil, in which case
	// only the retry directive headers of the request can enable
	// retries.
	Policy *policy.Policy
	// Config supplies the collaborators of each request's State.
	Config retrystate.Config
}

// Do forwards r upstream, retrying as the request's State decides.
//
// The retry directive headers are removed from the forwarded request;
// r itself is not modified. A request body which cannot be replayed
// with r.GetBody is buffered in full before the first attempt.
//
// Do returns the response or error of the final attempt. A response
// which is not retried is returned with its body unread, and the caller
// must close it. The request context bounds the whole exchange: if it
// ends while a retry is pending, Do returns the context's error wrapped
// in a *url.Error.
func (c *Client) Do(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	out := r.Clone(ctx)
	out.RequestURI = ""
	if err := replayable(out); err != nil {
		return nil, urlErrorWrap(r, err)
	}

	s := retrystate.Create(c.Policy, out.Header, c.Config)
	if s == nil {
		return c.doer().Do(out)
	}
	defer s.Close()

	retryCh := make(chan struct{}, 1)
	cb := func() {
		retryCh <- struct{}{}
	}

	for attempt := 0; ; attempt++ {
		req := out
		if attempt > 0 {
			var err error
			req, err = rewind(out)
			if err != nil {
				return nil, urlErrorWrap(r, err)
			}
		}

		resp, err := c.doer().Do(req)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}

		var st retrystate.Status
		if err != nil {
			st = s.DecideReset(reset.Categorize(err), cb)
		} else {
			st = s.DecideHeaders(retry.FromResponse(resp), cb)
		}
		if st != retrystate.Yes {
			return resp, err
		}

		discard(resp)
		select {
		case <-retryCh:
		case <-ctx.Done():
			return nil, urlErrorWrap(r, ctx.Err())
		}
	}
}

func (c *Client) doer() HTTPDoer {
	if c.HTTPDoer == nil {
		return http.DefaultClient
	}

	return c.HTTPDoer
}

// replayable makes sure every attempt can send the body of r.
func replayable(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody || r.GetBody != nil {
		return nil
	}

	b, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	r.ContentLength = int64(len(b))
	return nil
}

func rewind(r *http.Request) (*http.Request, error) {
	next := r.Clone(r.Context())
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func urlErrorWrap(r *http.Request, err error) error {
	if _, ok := err.(*url.Error); ok {
		return err
	}

	return &url.Error{
		Op:  urlErrorOp(r.Method),
		URL: r.URL.String(),
		Err: err,
	}
}

// urlErrorOp is lifted verbatim from net/http/client.go
func urlErrorOp(method string) string {
	if method == "" {
		return "Get"
	}
	return method[:1] + strings.ToLower(method[1:])
}
