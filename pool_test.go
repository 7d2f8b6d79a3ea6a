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
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/agenthttp/internal/clocktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// remoteAddrHandler responds with the client address of the connection, so
// tests can tell whether connections were reused.
func remoteAddrHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, r.RemoteAddr)
	})
}

func siteOf(t *testing.T, rawURL string) Site {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	site, err := SiteFromURL(u)
	require.NoError(t, err)
	return site
}

// fetch sends a request for target over a connection from pool and returns
// the response body.
func fetch(ctx context.Context, pool *Pool, verifier *Verifier, method, target, body string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	site, err := SiteFromURL(u)
	if err != nil {
		return "", err
	}
	var result string
	err = pool.WithConnection(ctx, site, verifier, func(conn *Connection) error {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return err
		}
		resp, err := conn.RoundTrip(ctx, req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		result = string(data)
		return err
	})
	return result, err
}

func mustFetch(ctx context.Context, t *testing.T, pool *Pool, verifier *Verifier, method, target, body string) string {
	t.Helper()
	result, err := fetch(ctx, pool, verifier, method, target, body)
	require.NoError(t, err)
	return result
}

func TestPool_Reuse(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	pool := NewPool(WithPoolMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	first := mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	second := mustFetch(t.Context(), t, pool, nil, http.MethodPost, server.URL, "body")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, pool.IdleCount(siteOf(t, server.URL)))
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.createdTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.reusedTotal), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.idle), 0)
}

func TestPool_TLSContextIsolation(t *testing.T) {
	t.Parallel()
	server := httptest.NewTLSServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	ctxA, ctxB := NewTLSContext(roots), NewTLSContext(roots)
	site := siteOf(t, server.URL)
	pool := NewPool()
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	first := mustFetch(t.Context(), t, pool, NewVerifier(site.Host, ctxA), http.MethodGet, server.URL, "")
	second := mustFetch(t.Context(), t, pool, NewVerifier(site.Host, ctxA), http.MethodGet, server.URL, "")
	other := mustFetch(t.Context(), t, pool, NewVerifier(site.Host, ctxB), http.MethodGet, server.URL, "")
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Equal(t, 2, pool.IdleCount(site))

	err := pool.WithConnection(t.Context(), site, nil, func(*Connection) error { return nil })
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
}

func TestPool_DiscardsConnectionsInUnknownState(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	site := siteOf(t, server.URL)
	pool := NewPool(WithPoolMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { require.NoError(t, pool.Close()) })
	discarded := func(reason string) float64 {
		return testutil.ToFloat64(pool.metrics.discardedTotal.WithLabelValues(reason))
	}

	t.Run("panic", func(t *testing.T) {
		assert.PanicsWithValue(t, "boom", func() {
			_ = pool.WithConnection(t.Context(), site, nil, func(conn *Connection) error {
				require.NoError(t, conn.Start(t.Context()))
				panic("boom")
			})
		})
		assert.Zero(t, pool.IdleCount(site))
		assert.InDelta(t, 1, discarded(discardError), 0)
	})
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		err := pool.WithConnection(ctx, site, nil, func(conn *Connection) error {
			require.NoError(t, conn.Start(ctx))
			cancel()
			return nil
		})
		require.NoError(t, err)
		assert.Zero(t, pool.IdleCount(site))
		assert.InDelta(t, 2, discarded(discardError), 0)
	})
	t.Run("abandoned body", func(t *testing.T) {
		err := pool.WithConnection(t.Context(), site, nil, func(conn *Connection) error {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, server.URL, nil)
			require.NoError(t, err)
			resp, err := conn.RoundTrip(t.Context(), req)
			require.NoError(t, err)
			return resp.Body.Close()
		})
		require.NoError(t, err)
		assert.Zero(t, pool.IdleCount(site))
		assert.InDelta(t, 1, discarded(discardNotReusable), 0)
	})
	t.Run("never started", func(t *testing.T) {
		err := pool.WithConnection(t.Context(), site, nil, func(*Connection) error { return nil })
		require.NoError(t, err)
		assert.Zero(t, pool.IdleCount(site))
	})
}

func TestPool_KeepAliveExpiry(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	testClock := clocktest.NewFakeClock()
	pool := NewPool(
		WithPoolClock(testClock),
		WithKeepAliveTimeout(10*time.Second),
		WithPoolMetrics(prometheus.NewRegistry()),
	)
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	first := mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	testClock.Advance(9 * time.Second)
	second := mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	assert.Equal(t, first, second)

	testClock.Advance(10 * time.Second)
	third := mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	assert.NotEqual(t, second, third)
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.discardedTotal.WithLabelValues(discardExpired)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.idle), 0)
}

func TestPool_MaxIdlePerSite(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	site := siteOf(t, server.URL)
	pool := NewPool(WithMaxIdlePerSite(1))
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	err := pool.WithConnection(t.Context(), site, nil, func(outer *Connection) error {
		require.NoError(t, outer.Start(t.Context()))
		return pool.WithConnection(t.Context(), site, nil, func(inner *Connection) error {
			assert.NotSame(t, outer, inner)
			return inner.Start(t.Context())
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.IdleCount(site))
}

func TestPool_MaxConnectionsPerSite(t *testing.T) {
	t.Parallel()
	var (
		mu                sync.Mutex
		inFlight, maxSeen int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		inFlight++
		maxSeen = max(maxSeen, inFlight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)
	pool := NewPool(WithMaxConnectionsPerSite(2))
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	grp, ctx := errgroup.WithContext(t.Context())
	for range 8 {
		grp.Go(func() error {
			body, err := fetch(ctx, pool, nil, http.MethodGet, server.URL, "")
			if err == nil && body != "ok" {
				t.Errorf("unexpected body %q", body)
			}
			return err
		})
	}
	require.NoError(t, grp.Wait())
	assert.LessOrEqual(t, maxSeen, 2)
	assert.LessOrEqual(t, pool.IdleCount(siteOf(t, server.URL)), 2)

	// A caller waiting for a slot gives up when its context is done.
	site := siteOf(t, server.URL)
	err := pool.WithConnection(t.Context(), site, nil, func(*Connection) error {
		return pool.WithConnection(t.Context(), site, nil, func(*Connection) error {
			ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
			defer cancel()
			return pool.WithConnection(ctx, site, nil, func(*Connection) error {
				t.Error("acquired a connection beyond the limit")
				return nil
			})
		})
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_StaleConnectionIsReplaced(t *testing.T) {
	t.Parallel()
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		remoteAddrHandler().ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)
	site := siteOf(t, server.URL)
	pool := NewPool()
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	// Idempotent requests are re-sent on a new connection, body included.
	first := mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	server.CloseClientConnections()
	second := mustFetch(t.Context(), t, pool, nil, http.MethodPut, server.URL, "replayed")
	assert.NotEqual(t, first, second)

	// A connection the server has closed is noticed before anything is
	// sent on it, so even a POST goes out exactly once.
	server.CloseClientConnections()
	require.Eventually(t, func() bool {
		var closed bool
		err := pool.WithConnection(t.Context(), site, nil, func(conn *Connection) error {
			closed = conn.Started() && conn.closedWhileIdle()
			return nil
		})
		return err == nil && closed
	}, 5*time.Second, 10*time.Millisecond)
	third := mustFetch(t.Context(), t, pool, nil, http.MethodPost, server.URL, "once")
	assert.NotEqual(t, second, third)
	assert.Equal(t, int32(1), posts.Load())
}

func TestPool_NonIdempotentRequestsAreNotReplayed(t *testing.T) {
	t.Parallel()
	var posts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			_, _ = io.WriteString(w, "ok")
			return
		}
		// The request is processed, but the response is lost.
		_, _ = io.Copy(io.Discard, r.Body)
		posts.Add(1)
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(server.Close)
	site := siteOf(t, server.URL)
	pool := NewPool()
	t.Cleanup(func() { require.NoError(t, pool.Close()) })

	post := func(header http.Header) error {
		return pool.WithConnection(t.Context(), site, nil, func(conn *Connection) error {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, server.URL, strings.NewReader("report"))
			if err != nil {
				return err
			}
			for key, values := range header {
				req.Header[key] = values
			}
			resp, err := conn.RoundTrip(t.Context(), req)
			if err != nil {
				return err
			}
			return resp.Body.Close()
		})
	}

	mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	require.Error(t, post(nil))
	assert.Equal(t, int32(1), posts.Load())

	// Requests marked idempotent may be sent again.
	mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	require.Error(t, post(http.Header{"Idempotency-Key": {"report-1"}}))
	assert.Equal(t, int32(3), posts.Load())
}

func TestPool_SharedMetrics(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	registry := prometheus.NewRegistry()
	first := NewPool(WithPoolMetrics(registry))
	second := NewPool(WithPoolMetrics(registry))

	mustFetch(t.Context(), t, first, nil, http.MethodGet, server.URL, "")
	mustFetch(t.Context(), t, second, nil, http.MethodGet, server.URL, "")
	// Failed connects do not count as created connections.
	_, err := fetch(t.Context(), first, nil, http.MethodGet, "http://"+closedAddress(t), "")
	require.Error(t, err)

	assert.InDelta(t, 2, testutil.ToFloat64(first.metrics.createdTotal), 0)
	assert.Same(t, first.metrics.createdTotal, second.metrics.createdTotal)
	assert.InDelta(t, 2, testutil.ToFloat64(second.metrics.idle), 0)
	require.NoError(t, first.Close())
	assert.InDelta(t, 1, testutil.ToFloat64(second.metrics.idle), 0)
	require.NoError(t, second.Close())
	assert.InDelta(t, 0, testutil.ToFloat64(second.metrics.idle), 0)
}

func TestPool_Close(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(remoteAddrHandler())
	t.Cleanup(server.Close)
	site := siteOf(t, server.URL)
	pool := NewPool(WithPoolMetrics(prometheus.NewRegistry()))

	mustFetch(t.Context(), t, pool, nil, http.MethodGet, server.URL, "")
	require.Equal(t, 1, pool.IdleCount(site))
	require.NoError(t, pool.Close())
	assert.Zero(t, pool.IdleCount(site))
	assert.InDelta(t, 1, testutil.ToFloat64(pool.metrics.discardedTotal.WithLabelValues(discardClosed)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(pool.metrics.idle), 0)

	err := pool.WithConnection(t.Context(), site, nil, func(*Connection) error { return nil })
	require.ErrorIs(t, err, ErrPoolClosed)
}
