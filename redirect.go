// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agenthttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const defaultRedirectLimit = 10

// Redirector decides whether a response is a redirect and builds the request
// that follows it.
//
// Method policy: 303 See Other is followed with GET (HEAD stays HEAD) and no
// body. 301, 302, 307, and 308 are followed with the original method and
// body.
type Redirector struct {
	limit int
}

// NewRedirector returns a Redirector that follows at most limit redirects
// for a single logical request.
func NewRedirector(limit int) *Redirector {
	return &Redirector{limit: limit}
}

// Redirect reports whether resp redirects req: its status is a redirect
// code and it names a Location.
func (r *Redirector) Redirect(_ *http.Request, resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return resp.Header.Get("Location") != ""
	default:
		return false
	}
}

// RedirectTo returns a new request for the location resp redirects to,
// given that redirects redirects have already been followed. It fails with
// an *HTTPError wrapping ErrTooManyRedirects once the limit is reached.
func (r *Redirector) RedirectTo(req *http.Request, resp *http.Response, redirects int) (*http.Request, error) {
	if redirects >= r.limit {
		return nil, &HTTPError{
			Message: fmt.Sprintf("too many HTTP redirections for %s", req.URL.Redacted()),
			Cause:   ErrTooManyRedirects,
		}
	}
	location, err := req.URL.Parse(resp.Header.Get("Location"))
	if err != nil {
		return nil, &HTTPError{
			Message: fmt.Sprintf("invalid redirect location %q from %s", resp.Header.Get("Location"), req.URL.Redacted()),
			Cause:   err,
		}
	}

	method := req.Method
	preserveBody := true
	if resp.StatusCode == http.StatusSeeOther && method != http.MethodHead {
		method = http.MethodGet
		preserveBody = false
	}

	var body []byte
	if preserveBody && req.GetBody != nil {
		reader, err := req.GetBody()
		if err != nil {
			return nil, &HTTPError{Message: "failed to replay request body for redirect", Cause: err}
		}
		body, err = io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, &HTTPError{Message: "failed to replay request body for redirect", Cause: err}
		}
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	next, err := http.NewRequestWithContext(req.Context(), method, location.String(), bodyReader)
	if err != nil {
		return nil, &HTTPError{Message: "failed to build redirect request", Cause: err}
	}
	next.Header = req.Header.Clone()
	if !preserveBody {
		next.Header.Del("Content-Type")
		next.Header.Del("Content-Length")
	}
	if !sameSite(req.URL, location) {
		next.Header.Del("Authorization")
	}
	return next, nil
}

func sameSite(a, b *url.URL) bool {
	siteA, errA := SiteFromURL(a)
	siteB, errB := SiteFromURL(b)
	return errA == nil && errB == nil && siteA == siteB
}
