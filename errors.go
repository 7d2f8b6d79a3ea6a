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
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bufbuild/agenthttp/resolver"
)

var (
	// ErrTooManyRedirects is the reason carried by an HTTPError when a
	// request is redirected more times than the configured limit allows.
	ErrTooManyRedirects = errors.New("too many HTTP redirections")
	// ErrPoolClosed is returned when a connection is requested from a
	// pool (or a client) that has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
)

// ConfigurationError reports mutually exclusive or malformed options. It is
// returned before any network activity and is never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Message
}

// ConnectionError reports that a transport connection to the server could
// not be established. The execution loop never retries it, though callers
// may retry the whole operation.
type ConnectionError struct {
	Message string
	Elapsed time.Duration
	Cause   error
}

func (e *ConnectionError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the connection attempt failed due to a timeout.
func (e *ConnectionError) Timeout() bool {
	return isTimeout(e.Cause)
}

// HTTPError reports a failure after a connection was established: an I/O
// error or timeout mid-request, or a protocol problem such as exceeding the
// redirect limit.
type HTTPError struct {
	Message string
	Elapsed time.Duration
	Cause   error
}

func (e *HTTPError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// Timeout reports whether the request failed due to a timeout.
func (e *HTTPError) Timeout() bool {
	return isTimeout(e.Cause)
}

// TLSError reports a TLS handshake or certificate verification failure.
// It is always propagated as-is; verification is never downgraded.
type TLSError struct {
	Site  Site
	Cause error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("TLS connection to %s failed: %v", e.Site, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *TLSError) Unwrap() error {
	return e.Cause
}

// SerializationError reports a query parameter value of a kind that cannot
// be encoded. It is returned before any connection is attempted.
type SerializationError struct {
	Key  string
	Kind string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("HTTP REST queries cannot handle values of type '%s' (parameter %q)", e.Kind, e.Key)
}

// ResolutionError reports that no resolver in a chain produced a reachable
// candidate for a service.
type ResolutionError struct {
	Service resolver.Service
	// Errors holds the probe and lookup failures encountered, in order.
	Errors []error
}

func (e *ResolutionError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("no servers could be resolved for service %q", e.Service)
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("no servers could be resolved for service %q: %s", e.Service, strings.Join(msgs, "; "))
}

// Unwrap returns the individual failures.
func (e *ResolutionError) Unwrap() []error {
	return e.Errors
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
