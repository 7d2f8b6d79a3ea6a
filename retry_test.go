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
	"testing"
	"time"

	"github.com/bufbuild/agenthttp/internal/clocktest"
	"github.com/stretchr/testify/assert"
)

func TestRetryAfterHandler(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	handler := NewRetryAfterHandler(3, 10*time.Minute)
	handler.clock = clocktest.NewFakeClockAt(now)
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	response := func(status int, retryAfter string) *http.Response {
		resp := &http.Response{StatusCode: status, Header: http.Header{}}
		if retryAfter != "" {
			resp.Header.Set("Retry-After", retryAfter)
		}
		return resp
	}

	assert.True(t, handler.RetryAfter(req, response(http.StatusServiceUnavailable, "")))
	assert.True(t, handler.RetryAfter(req, response(http.StatusTooManyRequests, "")))
	assert.False(t, handler.RetryAfter(req, response(http.StatusOK, "5")))
	assert.False(t, handler.RetryAfter(req, response(http.StatusInternalServerError, "5")))

	testCases := []struct {
		name       string
		retryAfter string
		want       time.Duration
	}{
		{name: "seconds", retryAfter: "5", want: 5 * time.Second},
		{name: "zero", retryAfter: "0", want: 0},
		{name: "missing", retryAfter: "", want: 10 * time.Minute},
		{name: "garbage", retryAfter: "soon", want: 10 * time.Minute},
		{name: "negative", retryAfter: "-5", want: 10 * time.Minute},
		{name: "capped", retryAfter: "3600", want: 10 * time.Minute},
		{name: "date", retryAfter: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "past date", retryAfter: now.Add(-time.Hour).Format(http.TimeFormat), want: 0},
	}
	for _, testCase := range testCases {
		interval, ok := handler.Interval(req, response(http.StatusServiceUnavailable, testCase.retryAfter), 0)
		assert.True(t, ok, testCase.name)
		assert.Equal(t, testCase.want, interval, testCase.name)
	}

	_, ok := handler.Interval(req, response(http.StatusServiceUnavailable, "5"), 2)
	assert.True(t, ok)
	_, ok = handler.Interval(req, response(http.StatusServiceUnavailable, "5"), 3)
	assert.False(t, ok)
}
