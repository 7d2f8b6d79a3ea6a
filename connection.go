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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

//nolint:gochecknoglobals
var (
	// aLongTimeAgo is used to interrupt blocked I/O when a context is done.
	aLongTimeAgo = time.Unix(1, 0)

	h2cTransport = &http2.Transport{AllowHTTP: true}
)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Connection is a persistent connection to a single Site. It is lent out by
// a Pool for the duration of one request attempt and must not be used after
// the borrowing function returns.
//
// The underlying network connection is established lazily, on Start or the
// first RoundTrip, and may be closed and re-established while borrowed.
type Connection struct {
	site        Site
	verifier    *Verifier
	dial        dialFunc
	readTimeout time.Duration
	metrics     *poolMetrics

	conn net.Conn
	br   *bufio.Reader
	h2   *http2.ClientConn
	// used is set once a request has been sent on conn.
	used bool
	// sent is set once any part of the current request reached the network.
	sent bool
	// dialFailed is set when the last attempt to open conn failed.
	dialFailed bool
	idleSince  time.Time

	// mustClose is set when the server asked to close the connection or a
	// response body was abandoned before EOF.
	mustClose bool
	// +checkatomic
	poisoned atomic.Bool
}

func newConnection(site Site, verifier *Verifier, dial dialFunc, readTimeout time.Duration, metrics *poolMetrics) *Connection {
	return &Connection{
		site:        site,
		verifier:    verifier,
		dial:        dial,
		readTimeout: readTimeout,
		metrics:     metrics,
	}
}

// Site returns the site this connection talks to.
func (c *Connection) Site() Site {
	return c.site
}

// Started reports whether an underlying network connection is open.
func (c *Connection) Started() bool {
	return c.conn != nil
}

// Start establishes the network connection, including the TLS handshake for
// secure sites, if it is not already open. TLS failures are reported as
// *TLSError.
func (c *Connection) Start(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	if err := c.start(ctx); err != nil {
		c.dialFailed = true
		return err
	}
	c.dialFailed = false
	c.metrics.created()
	return nil
}

// established reports whether the most recent attempt to open the network
// connection succeeded.
func (c *Connection) established() bool {
	return !c.dialFailed
}

func (c *Connection) start(ctx context.Context) error {
	raw, err := c.dial(ctx, "tcp", c.site.Addr())
	if err != nil {
		return err
	}
	conn := raw
	if c.site.UseTLS() {
		tlsConn := tls.Client(raw, c.verifier.config())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TLSError{Site: c.site, Cause: err}
		}
		conn = tlsConn
	}
	if c.site.Scheme == schemeH2C {
		cc, err := h2cTransport.NewClientConn(conn)
		if err != nil {
			_ = conn.Close()
			return err
		}
		c.h2 = cc
	} else {
		c.br = bufio.NewReader(conn)
	}
	c.conn = conn
	c.used = false
	c.mustClose = false
	return nil
}

// Close closes the underlying network connection, if open. The Connection
// itself stays usable: a later Start or RoundTrip dials again.
func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	var err error
	if c.h2 != nil {
		err = c.h2.Close()
		c.h2 = nil
	} else {
		err = c.conn.Close()
	}
	c.conn = nil
	c.br = nil
	return err
}

// RoundTrip sends req over this connection and reads the response headers.
// The caller must read the response body to EOF and close it before the
// connection can be reused.
//
// If the connection was idle in the pool and turns out to have been closed
// by the server before any part of the response arrived, the request is
// re-sent once on a fresh connection, provided its body can be replayed.
// A request that already reached the network is only re-sent if it is
// idempotent.
func (c *Connection) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.conn != nil && c.h2 == nil && c.used && c.closedWhileIdle() {
		_ = c.Close()
	}
	reused := c.conn != nil && c.used
	resp, err := c.roundTrip(ctx, req)
	if err == nil || !reused || ctx.Err() != nil || !isStaleConnError(err) {
		return resp, err
	}
	if c.sent && !idempotent(req) {
		return nil, err
	}
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, err
		}
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, err
		}
		req = req.Clone(ctx)
		req.Body = body
	}
	c.poisoned.Store(false)
	_ = c.Close()
	return c.roundTrip(ctx, req)
}

func (c *Connection) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	c.used = true
	c.sent = false
	if c.h2 != nil {
		return c.roundTripH2(ctx, req)
	}

	// The hook may run after conn has been closed and cleared.
	netConn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(aLongTimeAgo)
	})
	deadline, _ := ctx.Deadline()
	if err := netConn.SetDeadline(deadline); err != nil {
		c.disarm(stop)
		c.poison()
		return nil, err
	}
	writer := &countingWriter{w: netConn}
	err := req.Write(writer)
	c.sent = writer.n > 0
	if err != nil {
		c.disarm(stop)
		c.poison()
		return nil, ctxErrOr(ctx, err)
	}
	c.armReadDeadline(deadline)
	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		c.disarm(stop)
		c.poison()
		return nil, ctxErrOr(ctx, err)
	}
	if resp.Close || req.Close {
		c.mustClose = true
	}
	resp.Body = &connBody{
		ReadCloser: resp.Body,
		conn:       c,
		ctx:        ctx,
		deadline:   deadline,
		stop:       stop,
	}
	return resp, nil
}

func (c *Connection) roundTripH2(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !c.h2.CanTakeNewRequest() {
		_ = c.Close()
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
	}
	// The HTTP/2 client expects a standard scheme.
	req = req.Clone(ctx)
	req.URL.Scheme = schemeHTTP
	c.sent = true
	resp, err := c.h2.RoundTrip(req)
	if err != nil {
		c.poison()
		return nil, ctxErrOr(ctx, err)
	}
	resp.Body = &connBody{ReadCloser: resp.Body, conn: c, ctx: ctx, stop: func() bool { return true }}
	return resp, nil
}

func (c *Connection) armReadDeadline(deadline time.Time) {
	if c.readTimeout <= 0 {
		return
	}
	// Network deadlines are wall-clock times.
	readDeadline := time.Now().Add(c.readTimeout)
	if !deadline.IsZero() && deadline.Before(readDeadline) {
		readDeadline = deadline
	}
	_ = c.conn.SetReadDeadline(readDeadline)
}

// disarm stops the cancellation hook of a round trip. A hook that already
// fired has clobbered the connection's deadlines, so the connection is not
// reused.
func (c *Connection) disarm(stop func() bool) {
	if !stop() {
		c.poison()
	}
}

// closedWhileIdle reports whether the server closed the connection, or sent
// unsolicited data on it, while it sat idle in the pool.
func (c *Connection) closedWhileIdle() bool {
	if c.br.Buffered() > 0 {
		return true
	}
	if err := c.conn.SetReadDeadline(aLongTimeAgo); err != nil {
		return true
	}
	_, err := c.br.Peek(1)
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return true
	}
	var netErr net.Error
	return !errors.As(err, &netErr) || !netErr.Timeout()
}

// poison marks the connection as being in an unknown state, so the pool
// closes it instead of reusing it.
func (c *Connection) poison() {
	c.poisoned.Store(true)
}

func (c *Connection) reusable() bool {
	return c.conn != nil && !c.mustClose && !c.poisoned.Load()
}

// connBody wraps a response body so that the connection's state reflects
// whether the body was fully consumed.
type connBody struct {
	io.ReadCloser
	conn     *Connection
	ctx      context.Context //nolint:containedctx
	deadline time.Time
	stop     func() bool
	eof      bool
	closed   bool
}

func (b *connBody) Read(p []byte) (int, error) {
	if b.conn.h2 == nil && b.conn.conn != nil {
		b.conn.armReadDeadline(b.deadline)
	}
	n, err := b.ReadCloser.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		b.eof = true
	case err != nil:
		b.conn.poison()
		err = ctxErrOr(b.ctx, err)
	}
	return n, err
}

func (b *connBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.conn.disarm(b.stop)
	if !b.eof {
		b.conn.mustClose = true
	}
	return b.ReadCloser.Close()
}

// idempotent reports whether req may be sent again after the server might
// have seen it.
func idempotent(req *http.Request) bool {
	switch req.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	_, ok := req.Header["Idempotency-Key"]
	if !ok {
		_, ok = req.Header["X-Idempotency-Key"]
	}
	return ok
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// isStaleConnError reports whether err looks like a keep-alive connection
// that the server closed while it sat idle.
func isStaleConnError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}
