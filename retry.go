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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/agenthttp/internal"
)

const (
	defaultRetryLimit    = 100
	defaultRetryInterval = 30 * time.Minute
)

// RetryAfterHandler recognizes responses that ask the client to come back
// later and computes how long to wait.
type RetryAfterHandler struct {
	limit           int
	defaultInterval time.Duration
	clock           internal.Clock
}

// NewRetryAfterHandler returns a handler that allows at most limit retries
// per logical request. The default interval is used when a response gives no
// usable hint, and also caps hints that ask for longer.
func NewRetryAfterHandler(limit int, defaultInterval time.Duration) *RetryAfterHandler {
	return &RetryAfterHandler{
		limit:           limit,
		defaultInterval: defaultInterval,
		clock:           internal.NewRealClock(),
	}
}

// RetryAfter reports whether resp signals transient unavailability.
func (h *RetryAfterHandler) RetryAfter(_ *http.Request, resp *http.Response) bool {
	return resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests
}

// Interval returns how long to wait before retrying, given that retries
// retries have already been made. It returns false once the retry limit is
// reached, in which case the response should be handed to the caller.
func (h *RetryAfterHandler) Interval(_ *http.Request, resp *http.Response, retries int) (time.Duration, bool) {
	if retries >= h.limit {
		return 0, false
	}
	interval, ok := h.parseRetryAfter(resp.Header.Get("Retry-After"))
	if !ok || interval > h.defaultInterval {
		interval = h.defaultInterval
	}
	return interval, true
}

// parseRetryAfter accepts either a number of seconds or an HTTP date.
func (h *RetryAfterHandler) parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delay := when.Sub(h.clock.Now())
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
