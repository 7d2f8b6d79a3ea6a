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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/agenthttp/internal"
)

// Connect borrows a started connection to the site of u and passes it to fn,
// which may be nil to just establish (and pool) the connection. Failures to
// connect are reported as *ConnectionError, or *TLSError when the server's
// certificate is rejected. Errors returned by fn are returned unchanged.
func (c *Client) Connect(ctx context.Context, u *url.URL, opts *ConnectOptions, fn func(*Connection) error) error {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	return c.connect(ctx, u, opts.TLSContext, opts.IncludeSystemStore, func(conn *Connection) error {
		if fn == nil {
			return nil
		}
		if err := fn(conn); err != nil {
			return callbackError{err}
		}
		return nil
	})
}

// execute runs the request loop: send, follow redirects, honor Retry-After,
// and hand the final response to deliver. The response body is always
// drained before the connection is returned to the pool.
func (c *Client) execute(ctx context.Context, req *http.Request, opts *RequestOptions, deliver func(*http.Response) error) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	var redirects, retries int
	for {
		var (
			done  bool
			retry bool
			wait  time.Duration
		)
		err := c.connect(ctx, req.URL, opts.TLSContext, opts.IncludeSystemStore, func(conn *Connection) error {
			resp, err := conn.RoundTrip(ctx, req)
			if err != nil {
				return err
			}
			defer drain(resp)
			resp.Request = req
			c.logger.DebugContext(ctx, fmt.Sprintf("HTTP %s %s returned %d %s", req.Method, redactURL(req.URL), resp.StatusCode, reason(resp)),
				slog.String("method", req.Method),
				slog.Int("status", resp.StatusCode),
			)

			if c.redirector.Redirect(req, resp) {
				next, err := c.redirector.RedirectTo(req, resp, redirects)
				if err != nil {
					return err
				}
				redirects++
				req = next
				return nil
			}
			if c.retries.RetryAfter(req, resp) {
				interval, ok := c.retries.Interval(req, resp, retries)
				retries++
				if ok {
					drain(resp)
					_ = conn.Close()
					retry, wait = true, interval
					return nil
				}
			}
			done = true
			if err := deliver(resp); err != nil {
				return callbackError{err}
			}
			return nil
		})
		switch {
		case err != nil:
			return err
		case done:
			return nil
		case retry:
			if err := c.sleep(ctx, req, wait); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sleep(ctx context.Context, req *http.Request, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	c.logger.WarnContext(ctx, fmt.Sprintf("Sleeping for %s before retrying the request", wait),
		slog.String("url", redactURL(req.URL)),
		slog.Duration("interval", wait),
	)
	start := c.clock.Now()
	if err := internal.Sleep(ctx, c.clock, wait); err != nil {
		return &HTTPError{
			Message: fmt.Sprintf("Request to %s interrupted while waiting to retry after %.3f seconds", redactURL(req.URL), c.clock.Since(start).Seconds()),
			Elapsed: c.clock.Since(start),
			Cause:   err,
		}
	}
	return nil
}

// connect resolves the TLS context and site for u, then runs fn with a
// started connection. Errors are classified by whether the connection was
// established before they occurred.
func (c *Client) connect(
	ctx context.Context,
	u *url.URL,
	tlsCtx *TLSContext,
	includeSystemStore bool,
	fn func(*Connection) error,
) error {
	start := c.clock.Now()
	tlsCtx, err := c.tls.resolve(tlsCtx, includeSystemStore)
	if err != nil {
		return err
	}
	site, err := SiteFromURL(u)
	if err != nil {
		return err
	}
	var verifier *Verifier
	if site.UseTLS() {
		verifier = NewVerifier(site.Host, tlsCtx)
	}
	var connected bool
	err = c.pool.WithConnection(ctx, site, verifier, func(conn *Connection) error {
		if err := conn.Start(ctx); err != nil {
			return err
		}
		err := fn(conn)
		// fn may have had to reconnect, and failed to.
		connected = conn.established()
		return err
	})
	if err == nil {
		return nil
	}
	return c.classify(u, site, c.clock.Since(start), connected, err)
}

func (c *Client) classify(u *url.URL, site Site, elapsed time.Duration, connected bool, err error) error {
	var (
		callbackErr callbackError
		httpErr     *HTTPError
		tlsErr      *TLSError
		configErr   *ConfigurationError
		serialErr   *SerializationError
		verifyErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &callbackErr):
		return callbackErr.err
	case errors.As(err, &httpErr), errors.As(err, &tlsErr), errors.As(err, &configErr), errors.As(err, &serialErr):
		return err
	case errors.As(err, &verifyErr):
		return &TLSError{Site: site, Cause: err}
	}

	target := redactURL(u)
	var message string
	switch {
	case isTimeout(err) && connected:
		message = fmt.Sprintf("Request to %s timed out read operation after %.3f seconds", target, elapsed.Seconds())
	case isTimeout(err):
		message = fmt.Sprintf("Request to %s timed out connect operation after %.3f seconds", target, elapsed.Seconds())
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, context.Canceled):
		message = fmt.Sprintf("Request to %s interrupted after %.3f seconds", target, elapsed.Seconds())
	default:
		message = fmt.Sprintf("Request to %s failed after %.3f seconds: %v", target, elapsed.Seconds(), err)
	}
	if connected {
		return &HTTPError{Message: message, Elapsed: elapsed, Cause: err}
	}
	return &ConnectionError{Message: message, Elapsed: elapsed, Cause: err}
}

// callbackError marks errors returned by caller-supplied functions, so they
// are passed through without classification.
type callbackError struct {
	err error
}

func (e callbackError) Error() string {
	return e.err.Error()
}

func (e callbackError) Unwrap() error {
	return e.err
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
