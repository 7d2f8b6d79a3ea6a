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
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/bufbuild/agenthttp/resolver"
)

// ProbeFunc checks whether a candidate site can be used. A nil error
// accepts the site.
type ProbeFunc func(ctx context.Context, site Site) error

// Session routes requests for a sequence of related operations, such as a
// single agent run. The first site that works for a service is remembered
// for the rest of the session. A Session is safe for concurrent use.
type Session struct {
	client    *Client
	resolvers resolver.Chain

	mu sync.Mutex
	// +checklocks:mu
	routes map[resolver.Service]Site
}

// NewSession starts a session that uses the client's resolvers.
func (c *Client) NewSession() *Session {
	return &Session{
		client:    c,
		resolvers: c.resolvers,
		routes:    map[resolver.Service]Site{},
	}
}

// Client returns the client the session was created from.
func (s *Session) Client() *Client {
	return s.client
}

// RouteTo returns the site for service, probing candidates by opening a
// connection to them. Connections opened while probing are kept in the
// client's pool.
func (s *Session) RouteTo(ctx context.Context, service resolver.Service) (Site, error) {
	return s.Route(ctx, service, s.connectProbe)
}

// Route returns the site for service. If none has been chosen yet in this
// session, resolvers are tried in order, and each one's candidates in order,
// until probe accepts one. Unchecked candidates, such as the configured
// server offered by the settings resolver, are accepted without a check, so
// a chain ending in that resolver always resolves. If every candidate
// fails, the result is a *ResolutionError holding each failure.
func (s *Session) Route(ctx context.Context, service resolver.Service, probe ProbeFunc) (Site, error) {
	s.mu.Lock()
	site, ok := s.routes[service]
	s.mu.Unlock()
	if ok {
		return site, nil
	}

	var errs []error
	for res := range s.resolvers.All() {
		for candidate, err := range res.Resolve(ctx, service) {
			if err != nil {
				s.client.logger.DebugContext(ctx, "service lookup failed",
					slog.String("service", string(service)),
					slog.Any("error", err),
				)
				errs = append(errs, err)
				continue
			}
			site := Site{Scheme: s.client.serviceScheme, Host: candidate.Host, Port: candidate.Port}
			if candidate.Unchecked {
				return s.remember(ctx, service, site), nil
			}
			if err := probe(ctx, site); err != nil {
				s.client.logger.DebugContext(ctx, fmt.Sprintf("Unable to connect to %s for service %s", site, service),
					slog.Any("error", err),
				)
				errs = append(errs, err)
				if ctx.Err() != nil {
					return Site{}, &ResolutionError{Service: service, Errors: errs}
				}
				continue
			}
			return s.remember(ctx, service, site), nil
		}
	}
	return Site{}, &ResolutionError{Service: service, Errors: errs}
}

func (s *Session) remember(ctx context.Context, service resolver.Service, site Site) Site {
	s.mu.Lock()
	s.routes[service] = site
	s.mu.Unlock()
	s.client.logger.DebugContext(ctx, fmt.Sprintf("Resolved service %s to %s", service, site))
	return site
}

// URL returns the URL for path on the site routed to for service.
func (s *Session) URL(ctx context.Context, service resolver.Service, path string) (*url.URL, error) {
	site, err := s.RouteTo(ctx, service)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := site.MoveTo(&url.URL{})
	parsed, err := url.Parse(path)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("invalid path %q: %v", path, err)}
	}
	u.Path = parsed.Path
	u.RawPath = parsed.RawPath
	u.RawQuery = parsed.RawQuery
	return u, nil
}

func (s *Session) connectProbe(ctx context.Context, site Site) error {
	return s.client.Connect(ctx, site.MoveTo(&url.URL{}), nil, nil)
}
