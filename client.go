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
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/bufbuild/agenthttp/internal"
	"github.com/bufbuild/agenthttp/resolver"
)

// DefaultVersion is reported in the X-Agent-Version header when no
// WithVersion option is used.
const DefaultVersion = "dev"

// DefaultServerPort is the port used for the coordinator when none is
// configured.
const DefaultServerPort = 8140

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	applyToClient(*clientOptions)
}

// WithPool configures the client to borrow connections from the given pool
// instead of creating its own. The pool is not closed when the client is.
// Pool options passed to NewClient are ignored when this option is used.
func WithPool(pool *Pool) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.pool = pool
	})
}

// WithTLSContext configures the TLS context used for requests that do not
// supply their own. If no WithTLSContext or WithTLSContextProvider option
// is used, a context trusting the system store is built on first use.
func WithTLSContext(tlsCtx *TLSContext) ClientOption {
	return WithTLSContextProvider(func() (*TLSContext, error) {
		return tlsCtx, nil
	})
}

// WithTLSContextProvider configures a function that builds the default TLS
// context. It is called at most once, the first time a request needs it.
func WithTLSContextProvider(provider func() (*TLSContext, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTLS = provider
	})
}

// WithCertProvider configures a source of extra trusted roots that is added
// to the system store for requests that ask to include it.
func WithCertProvider(provider CertProvider) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.certProvider = provider
	})
}

// WithRedirectLimit configures how many redirects a single request may
// follow. If no WithRedirectLimit option is used, 10 are allowed. With a
// limit of zero, any redirect fails with ErrTooManyRedirects.
func WithRedirectLimit(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.redirectLimit = &limit
	})
}

// WithRetryLimit configures how many times a single request is retried in
// response to 503 Service Unavailable and 429 Too Many Requests. If no
// WithRetryLimit option is used, up to 100 retries are made.
func WithRetryLimit(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryLimit = &limit
	})
}

// WithRetryInterval configures how long to wait before retrying when the
// server gives no usable Retry-After hint. It also caps hints that ask for
// longer. If no WithRetryInterval option is used, 30 minutes is used.
func WithRetryInterval(interval time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retryInterval = interval
	})
}

// WithRequestTimeout limits each request, including every redirect, retry,
// and wait in between, to the given duration. Zero, the default, applies no
// limit other than the caller's context.
func WithRequestTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.requestTimeout = duration
	})
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(userAgent string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.userAgent = userAgent
	})
}

// WithVersion sets the agent version reported with every request.
func WithVersion(version string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.version = version
	})
}

// WithLogger configures the logger used to report request activity. If no
// WithLogger option is used, [slog.Default] is used.
func WithLogger(logger *slog.Logger) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.logger = logger
	})
}

// WithDiscovery configures how sessions locate services. See Discovery.
func WithDiscovery(discovery Discovery) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.discovery = discovery
	})
}

// WithResolvers configures sessions to use exactly the given chain of
// resolvers, ignoring any WithDiscovery option.
func WithResolvers(resolvers ...resolver.Resolver) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		chain := resolver.NewChain(resolvers...)
		opts.resolvers = &chain
	})
}

// WithServiceScheme configures the URL scheme of sites that sessions route
// to. If no WithServiceScheme option is used, "https" is used.
func WithServiceScheme(scheme string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.serviceScheme = scheme
	})
}

// Discovery describes where the agent's services live. Resolvers are
// consulted in order: SRV records (when enabled), the server list (when
// non-empty), and finally the explicitly configured servers.
type Discovery struct {
	// UseSRV enables DNS SRV lookups in SRVDomain.
	UseSRV    bool
	SRVDomain string
	// SRVLookuper is used for SRV lookups. If nil, [net.DefaultResolver]
	// is used.
	SRVLookuper resolver.SRVLookuper
	// ServerList is a list of "host[:port]" entries to try for the
	// coordinator. ServerListPort is used for entries without a port.
	ServerList     []string
	ServerListPort int
	// Server is the coordinator's address, used when nothing else resolves.
	Server resolver.Candidate
	// Pinned holds servers configured explicitly for individual services.
	// When the certificate authority is pinned, the server list is not
	// consulted for it.
	Pinned map[resolver.Service]resolver.Candidate
}

func (d Discovery) resolvers() resolver.Chain {
	var resolvers []resolver.Resolver
	if d.UseSRV {
		lookup := d.SRVLookuper
		if lookup == nil {
			lookup = net.DefaultResolver
		}
		resolvers = append(resolvers, resolver.NewSRVResolver(lookup, d.SRVDomain))
	}
	if len(d.ServerList) > 0 {
		port := d.ServerListPort
		if port == 0 {
			port = DefaultServerPort
		}
		_, caPinned := d.Pinned[resolver.CertificateAuthority]
		resolvers = append(resolvers, resolver.NewServerListResolver(d.ServerList, port, !caPinned))
	}
	server := d.Server
	if server.Host == "" {
		server.Host = "coordinator"
	}
	if server.Port == 0 {
		server.Port = DefaultServerPort
	}
	resolvers = append(resolvers, resolver.NewSettingsResolver(server, d.Pinned))
	return resolver.NewChain(resolvers...)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyToClient(opts *clientOptions) {
	f(opts)
}

type clientOptions struct {
	pool           *Pool
	poolOptions    []PoolOption
	defaultTLS     func() (*TLSContext, error)
	certProvider   CertProvider
	redirectLimit  *int
	retryLimit     *int
	retryInterval  time.Duration
	requestTimeout time.Duration
	userAgent      string
	version        string
	logger         *slog.Logger
	discovery      Discovery
	resolvers      *resolver.Chain
	serviceScheme  string
	clock          internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.redirectLimit == nil {
		limit := defaultRedirectLimit
		opts.redirectLimit = &limit
	}
	if opts.retryLimit == nil {
		limit := defaultRetryLimit
		opts.retryLimit = &limit
	}
	if opts.retryInterval == 0 {
		opts.retryInterval = defaultRetryInterval
	}
	if opts.version == "" {
		opts.version = DefaultVersion
	}
	if opts.userAgent == "" {
		opts.userAgent = fmt.Sprintf("agenthttp/%s (%s; %s)", opts.version, runtime.GOOS, runtime.GOARCH)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.resolvers == nil {
		chain := opts.discovery.resolvers()
		opts.resolvers = &chain
	}
	if opts.serviceScheme == "" {
		opts.serviceScheme = schemeHTTPS
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// Client issues HTTP requests on behalf of the agent. It follows redirects,
// honors Retry-After, and reuses connections through a Pool. A Client is
// safe for concurrent use.
type Client struct {
	pool           *Pool
	ownsPool       bool
	header         http.Header
	tls            *tlsContextResolver
	redirector     *Redirector
	retries        *RetryAfterHandler
	resolvers      resolver.Chain
	serviceScheme  string
	requestTimeout time.Duration
	logger         *slog.Logger
	clock          internal.Clock
}

// NewClient returns a new client configured with the given options.
func NewClient(options ...ClientOption) *Client {
	var opts clientOptions
	for _, opt := range options {
		opt.applyToClient(&opts)
	}
	opts.applyDefaults()

	pool, ownsPool := opts.pool, false
	if pool == nil {
		poolOpts := append([]PoolOption{withPoolClock(opts.clock)}, opts.poolOptions...)
		pool, ownsPool = NewPool(poolOpts...), true
	}
	retries := NewRetryAfterHandler(*opts.retryLimit, opts.retryInterval)
	retries.clock = opts.clock
	header := http.Header{}
	header.Set("User-Agent", opts.userAgent)
	header.Set("X-Agent-Version", opts.version)
	return &Client{
		pool:     pool,
		ownsPool: ownsPool,
		header:   header,
		tls: &tlsContextResolver{
			certProvider:    opts.certProvider,
			defaultProvider: opts.defaultTLS,
		},
		redirector:     NewRedirector(*opts.redirectLimit),
		retries:        retries,
		resolvers:      *opts.resolvers,
		serviceScheme:  opts.serviceScheme,
		requestTimeout: opts.requestTimeout,
		logger:         opts.logger,
		clock:          opts.clock,
	}
}

// Close releases the client's idle connections. If the client was given a
// pool with WithPool, that pool is left open.
func (c *Client) Close() error {
	if !c.ownsPool {
		return nil
	}
	return c.pool.Close()
}

// Pool returns the pool the client borrows connections from.
func (c *Client) Pool() *Pool {
	return c.pool
}

// RequestOptions customize a single request. A nil *RequestOptions is
// equivalent to the zero value.
type RequestOptions struct {
	// Header is merged over the client's default headers.
	Header http.Header
	// Params replace the URL's query when non-empty.
	Params Params
	// User and Password, when both are set, are sent using basic auth. They
	// are not sent on to other sites when following redirects.
	User     string
	Password string
	// TLSContext overrides the client's default TLS context. It may not be
	// combined with IncludeSystemStore.
	TLSContext         *TLSContext
	IncludeSystemStore bool
}

// ConnectOptions customize a call to Client.Connect.
type ConnectOptions struct {
	TLSContext         *TLSContext
	IncludeSystemStore bool
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	// Reason is the status text sent by the server, such as "Not Found".
	Reason string
	Header http.Header
	// URL is the location that produced the response, after redirects.
	URL  *url.URL
	Body []byte
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StreamResponse is an HTTP response whose body is read incrementally. The
// body is only valid until the callback it was passed to returns.
type StreamResponse struct {
	StatusCode int
	Reason     string
	Header     http.Header
	URL        *url.URL
	Body       io.Reader
}

// Success reports whether the status code is in the 2xx range.
func (r *StreamResponse) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Get issues a GET request and reads the whole response.
func (c *Client) Get(ctx context.Context, u *url.URL, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodGet, u, nil, "", opts)
}

// GetStream issues a GET request and passes the response to fn, which may
// read the body as it arrives.
func (c *Client) GetStream(ctx context.Context, u *url.URL, opts *RequestOptions, fn func(*StreamResponse) error) error {
	return c.stream(ctx, http.MethodGet, u, nil, "", opts, fn)
}

// Head issues a HEAD request.
func (c *Client) Head(ctx context.Context, u *url.URL, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodHead, u, nil, "", opts)
}

// Put issues a PUT request. Both body and contentType are required.
func (c *Client) Put(ctx context.Context, u *url.URL, body []byte, contentType string, opts *RequestOptions) (*Response, error) {
	if err := checkBody(body, contentType); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPut, u, body, contentType, opts)
}

// Post issues a POST request. Both body and contentType are required.
func (c *Client) Post(ctx context.Context, u *url.URL, body []byte, contentType string, opts *RequestOptions) (*Response, error) {
	if err := checkBody(body, contentType); err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, u, body, contentType, opts)
}

// PostStream issues a POST request and passes the response to fn, which may
// read the body as it arrives.
func (c *Client) PostStream(
	ctx context.Context,
	u *url.URL,
	body []byte,
	contentType string,
	opts *RequestOptions,
	fn func(*StreamResponse) error,
) error {
	if err := checkBody(body, contentType); err != nil {
		return err
	}
	return c.stream(ctx, http.MethodPost, u, body, contentType, opts, fn)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, u *url.URL, opts *RequestOptions) (*Response, error) {
	return c.do(ctx, http.MethodDelete, u, nil, "", opts)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body []byte, contentType string, opts *RequestOptions) (*Response, error) {
	var result *Response
	err := c.stream(ctx, method, u, body, contentType, opts, func(resp *StreamResponse) error {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		result = &Response{
			StatusCode: resp.StatusCode,
			Reason:     resp.Reason,
			Header:     resp.Header,
			URL:        resp.URL,
			Body:       data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) stream(
	ctx context.Context,
	method string,
	u *url.URL,
	body []byte,
	contentType string,
	opts *RequestOptions,
	fn func(*StreamResponse) error,
) error {
	if opts == nil {
		opts = &RequestOptions{}
	}
	req, err := c.newRequest(ctx, method, u, body, contentType, opts)
	if err != nil {
		return err
	}
	return c.execute(ctx, req, opts, func(resp *http.Response) error {
		return fn(&StreamResponse{
			StatusCode: resp.StatusCode,
			Reason:     reason(resp),
			Header:     resp.Header,
			URL:        resp.Request.URL,
			Body:       resp.Body,
		})
	})
}

func (c *Client) newRequest(
	ctx context.Context,
	method string,
	u *url.URL,
	body []byte,
	contentType string,
	opts *RequestOptions,
) (*http.Request, error) {
	if u == nil {
		return nil, &ConfigurationError{Message: "a URL is required"}
	}
	// Encode first, so bad parameters fail before any I/O.
	query, err := opts.Params.Encode()
	if err != nil {
		return nil, err
	}
	target := *u
	if query != "" {
		target.RawQuery = query
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("invalid request for %s: %v", redactURL(&target), err)}
	}
	req.Header = c.header.Clone()
	for key, values := range opts.Header {
		req.Header[http.CanonicalHeaderKey(key)] = values
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// Redirects carry the credentials along only within the same site.
	if opts.User != "" && opts.Password != "" {
		req.SetBasicAuth(opts.User, opts.Password)
	}
	return req, nil
}

func checkBody(body []byte, contentType string) error {
	if body == nil {
		return &ConfigurationError{Message: "a request body is required"}
	}
	if contentType == "" {
		return &ConfigurationError{Message: "a content type is required"}
	}
	return nil
}

// reason returns the status text of resp, without the leading code.
func reason(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, fmt.Sprintf("%d ", resp.StatusCode)); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// redactURL strips credentials and the query so URLs are safe to log.
func redactURL(u *url.URL) string {
	clone := *u
	clone.User = nil
	clone.RawQuery = ""
	clone.ForceQuery = false
	return clone.String()
}
