// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package httpauth

import (
	"io"
	"net/http"
)

// RoundTripper answers a single 401 challenge with computed credentials and
// retries the request once.  Requests without bodies (the WebSocket upgrade
// GET) always replay cleanly; requests with bodies replay only when GetBody
// is available.
type RoundTripper struct {
	Base        http.RoundTripper
	Credentials Credentials
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Base != nil {
		return rt.Base
	}
	return http.DefaultTransport
}

func (rt *RoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := rt.base().RoundTrip(r)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode != http.StatusUnauthorized || rt.Credentials.IsZero() {
		return resp, nil
	}

	ch, err := ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return resp, nil
	}

	uri := r.URL.RequestURI()
	authz, err := ch.Authorization(rt.Credentials, r.Method, uri)
	if err != nil {
		return resp, nil
	}

	retry := r.Clone(r.Context())
	if r.Body != nil {
		if r.GetBody == nil {
			return resp, nil
		}
		body, err := r.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", authz)

	// the challenge response is consumed before re-dialing
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	return rt.base().RoundTrip(retry)
}
