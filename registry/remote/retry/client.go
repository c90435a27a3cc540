/*
Copyright The ORAS Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retry wraps an http.RoundTripper with the backoff policy in
// policy.go, so every call registry/remote.Repository makes (manifest GET,
// blob HEAD/GET, chunked PATCH, finalizing PUT) survives transient 5xx and
// connection-reset failures, without each call site re-implementing its own
// retry loop.
package retry

import (
	"io"
	"net/http"
	"time"
)

// DefaultClient is an *http.Client wired with DefaultPolicy; callers that
// don't need a custom backoff policy or transport can use it directly.
var DefaultClient = NewClient()

// NewClient returns an *http.Client whose RoundTrip retries per DefaultPolicy.
func NewClient() *http.Client {
	return &http.Client{Transport: NewTransport(nil)}
}

// Transport decorates an underlying RoundTripper with retry behavior.
type Transport struct {
	// Base performs the actual round trip. http.DefaultTransport is used
	// when nil.
	Base http.RoundTripper

	// Policy supplies the Policy to consult for each request. DefaultPolicy
	// is used when nil.
	Policy func() Policy
}

// NewTransport wraps base (or http.DefaultTransport, if base is nil) with
// DefaultPolicy's retry behavior.
func NewTransport(base http.RoundTripper) *Transport {
	return &Transport{Base: base}
}

// RoundTrip sends req, consulting the configured Policy after every attempt
// to decide whether to retry and how long to wait before doing so.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	policy := t.policy()

	for attempt := 0; ; attempt++ {
		resp, sendErr := t.send(req)
		wait, err := policy.Retry(ctx, attempt, resp, sendErr)
		if wait < 0 {
			return resp, err
		}

		// The first attempt consumed the request body; a retry needs a
		// fresh copy. A body that can't be rewound can't be retried.
		if req.Body != nil {
			if req.GetBody == nil {
				return resp, sendErr
			}
			body, err := req.GetBody()
			if err != nil {
				return resp, err
			}
			req.Body = body
		}
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Transport) send(req *http.Request) (*http.Response, error) {
	if t.Base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.Base.RoundTrip(req)
}

func (t *Transport) policy() Policy {
	if t.Policy == nil {
		return DefaultPolicy
	}
	return t.Policy()
}
