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
	"net"
	"sync"
	"time"

	"github.com/bufbuild/agenthttp/internal"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

const (
	defaultKeepAliveTimeout = 4 * time.Second
	defaultMaxIdlePerSite   = 16
)

// PoolOption is an option used to customize the behavior of a Pool.
//
// A PoolOption can be used as a ClientOption, in which case it applies to
// the pool the client creates. It has no effect on a pool supplied with
// WithPool.
type PoolOption interface {
	applyToClient(*clientOptions)
	applyToPool(*poolOptions)
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) applyToClient(opts *clientOptions) {
	opts.poolOptions = append(opts.poolOptions, f)
}

func (f poolOptionFunc) applyToPool(opts *poolOptions) {
	f(opts)
}

// WithDialer configures the pool to use the given function to establish
// network connections. If no WithDialer option is provided, a default
// [net.Dialer] is used that uses a 30-second dial timeout and configures
// the connection to use TCP keep-alive every 30 seconds.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.dial = dial
	})
}

// WithMaxConnectionsPerSite limits the number of connections that may be
// borrowed concurrently for a single site and TLS context. Callers beyond
// the limit wait for a connection to be returned, or for their context to
// be done. Zero, the default, means no limit.
func WithMaxConnectionsPerSite(limit int) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.maxConnsPerSite = limit
	})
}

// WithMaxIdlePerSite limits how many idle connections are kept for a single
// site and TLS context. Connections returned beyond this limit are closed.
// If zero or no WithMaxIdlePerSite option is used, 16 are kept.
func WithMaxIdlePerSite(limit int) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.maxIdlePerSite = limit
	})
}

// WithKeepAliveTimeout configures how long an idle connection may sit in
// the pool before it is considered expired and closed instead of reused.
// Servers commonly close idle keep-alive connections after a few seconds,
// so this should be less than the server's limit. If zero or no
// WithKeepAliveTimeout option is used, a default of 4 seconds is used.
func WithKeepAliveTimeout(duration time.Duration) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.keepAliveTimeout = duration
	})
}

// WithReadTimeout bounds each individual read from a connection, including
// waiting for response headers. Zero, the default, applies no bound other
// than the request's context.
func WithReadTimeout(duration time.Duration) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.readTimeout = duration
	})
}

// WithPoolMetrics registers connection pool metrics with the given
// registerer.
func WithPoolMetrics(registerer prometheus.Registerer) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.registerer = registerer
	})
}

func withPoolClock(clock internal.Clock) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.clock = clock
	})
}

type poolOptions struct {
	dial             dialFunc
	maxConnsPerSite  int
	maxIdlePerSite   int
	keepAliveTimeout time.Duration
	readTimeout      time.Duration
	registerer       prometheus.Registerer
	clock            internal.Clock
}

func (opts *poolOptions) applyDefaults() {
	if opts.dial == nil {
		opts.dial = defaultDialer.DialContext
	}
	if opts.maxIdlePerSite == 0 {
		opts.maxIdlePerSite = defaultMaxIdlePerSite
	}
	if opts.keepAliveTimeout == 0 {
		opts.keepAliveTimeout = defaultKeepAliveTimeout
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// Pool owns persistent connections, keyed by Site and TLS context, and lends
// them out one request attempt at a time. A Pool is safe for concurrent use.
type Pool struct {
	opts    poolOptions
	metrics *poolMetrics

	mu sync.Mutex
	// +checklocks:mu
	sites map[poolKey]*sitePool
	// +checklocks:mu
	closed bool
}

type poolKey struct {
	site Site
	tls  *TLSContext
}

type sitePool struct {
	// slots is nil when the number of connections is not limited.
	slots *semaphore.Weighted
	// idle is used as a LIFO stack, so the most recently used (and least
	// likely to have been closed by the server) connection is reused first.
	// +checklocks:Pool.mu
	idle []*Connection
}

// NewPool returns a new, empty connection pool.
func NewPool(options ...PoolOption) *Pool {
	var opts poolOptions
	for _, opt := range options {
		opt.applyToPool(&opts)
	}
	opts.applyDefaults()
	return &Pool{
		opts:    opts,
		metrics: newPoolMetrics(opts.registerer),
		sites:   map[poolKey]*sitePool{},
	}
}

// WithConnection borrows a connection for site and passes it to fn. The
// connection is returned to the pool when fn returns, whether it returns an
// error or panics. A connection whose state is unknown after a failure is
// closed rather than returned.
//
// For secure sites, verifier must be non-nil. Connections verified with one
// TLS context are never lent to a caller using a different one.
func (p *Pool) WithConnection(ctx context.Context, site Site, verifier *Verifier, fn func(*Connection) error) (err error) {
	if site.UseTLS() && verifier == nil {
		return &ConfigurationError{Message: "a TLS verifier is required for " + site.String()}
	}
	key := poolKey{site: site, tls: verifier.Context()}
	sp, err := p.sitePool(key)
	if err != nil {
		return err
	}
	if sp.slots != nil {
		if err := sp.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sp.slots.Release(1)
	}
	conn := p.borrow(key, sp, verifier)
	defer func() {
		if r := recover(); r != nil {
			conn.poison()
			p.release(sp, conn)
			panic(r)
		}
		if ctx.Err() != nil {
			conn.poison()
		}
		p.release(sp, conn)
	}()
	return fn(conn)
}

// Close closes all idle connections. Connections currently borrowed are
// closed when they are returned. The pool cannot be used after it is closed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	var conns []*Connection
	for key, sp := range p.sites {
		conns = append(conns, sp.idle...)
		sp.idle = nil
		delete(p.sites, key)
	}
	p.mu.Unlock()
	p.metrics.addIdle(-len(conns))

	grp, _ := errgroup.WithContext(context.Background())
	for _, conn := range conns {
		grp.Go(func() error {
			p.metrics.discarded(discardClosed)
			return conn.Close()
		})
	}
	return grp.Wait()
}

// IdleCount returns the number of idle connections held for site.
func (p *Pool) IdleCount(site Site) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var count int
	for key, sp := range p.sites {
		if key.site == site {
			count += len(sp.idle)
		}
	}
	return count
}

func (p *Pool) sitePool(key poolKey) (*sitePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	sp := p.sites[key]
	if sp == nil {
		sp = &sitePool{}
		if p.opts.maxConnsPerSite > 0 {
			sp.slots = semaphore.NewWeighted(int64(p.opts.maxConnsPerSite))
		}
		p.sites[key] = sp
	}
	return sp, nil
}

func (p *Pool) borrow(key poolKey, sp *sitePool, verifier *Verifier) *Connection {
	now := p.opts.clock.Now()
	var (
		conn    *Connection
		expired []*Connection
	)
	var popped int
	p.mu.Lock()
	for len(sp.idle) > 0 {
		candidate := sp.idle[len(sp.idle)-1]
		sp.idle[len(sp.idle)-1] = nil
		sp.idle = sp.idle[:len(sp.idle)-1]
		popped++
		if now.Sub(candidate.idleSince) >= p.opts.keepAliveTimeout {
			expired = append(expired, candidate)
			continue
		}
		conn = candidate
		break
	}
	p.mu.Unlock()
	p.metrics.addIdle(-popped)

	for _, stale := range expired {
		p.metrics.discarded(discardExpired)
		_ = stale.Close()
	}
	if conn != nil {
		p.metrics.reused()
		return conn
	}
	return newConnection(key.site, verifier, p.opts.dial, p.opts.readTimeout, p.metrics)
}

func (p *Pool) release(sp *sitePool, conn *Connection) {
	if !conn.Started() {
		return
	}
	if !conn.reusable() {
		if conn.poisoned.Load() {
			p.metrics.discarded(discardError)
		} else {
			p.metrics.discarded(discardNotReusable)
		}
		_ = conn.Close()
		return
	}
	conn.idleSince = p.opts.clock.Now()

	p.mu.Lock()
	if p.closed || len(sp.idle) >= p.opts.maxIdlePerSite {
		p.mu.Unlock()
		p.metrics.discarded(discardOverflow)
		_ = conn.Close()
		return
	}
	sp.idle = append(sp.idle, conn)
	p.mu.Unlock()
	p.metrics.addIdle(1)
}
