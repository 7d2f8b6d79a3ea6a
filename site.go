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
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
	schemeH2C   = "h2c"
)

// Site identifies a connection endpoint: a URL scheme, host, and port.
// Sites are comparable values and are used as keys for pooled connections.
type Site struct {
	Scheme string
	Host   string
	Port   int
}

// SiteFromURL returns the Site for the given URL. If the URL omits the
// port, the default port for the scheme is used. An empty scheme is
// treated as "http".
func SiteFromURL(u *url.URL) (Site, error) {
	if u == nil {
		return Site{}, &ConfigurationError{Message: "URL is nil"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = schemeHTTP
	}
	var defaultPort int
	switch scheme {
	case schemeHTTP, schemeH2C:
		defaultPort = 80
	case schemeHTTPS:
		defaultPort = 443
	default:
		return Site{}, &ConfigurationError{Message: fmt.Sprintf("unsupported URL scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return Site{}, &ConfigurationError{Message: fmt.Sprintf("no host in request URL %q", u.Redacted())}
	}
	port := defaultPort
	if portStr := u.Port(); portStr != "" {
		var err error
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return Site{}, &ConfigurationError{Message: fmt.Sprintf("invalid port %q in URL %q", portStr, u.Redacted())}
		}
	}
	return Site{Scheme: scheme, Host: host, Port: port}, nil
}

// UseTLS reports whether connections to the site are secured with TLS.
func (s Site) UseTLS() bool {
	return s.Scheme == schemeHTTPS
}

// Addr returns the "host:port" dial address of the site.
func (s Site) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// MoveTo returns a copy of u that addresses this site, keeping the path,
// query, and user info of u.
func (s Site) MoveTo(u *url.URL) *url.URL {
	moved := *u
	moved.Scheme = s.Scheme
	moved.Host = s.Addr()
	return &moved
}

func (s Site) String() string {
	return s.Scheme + "://" + s.Addr()
}
