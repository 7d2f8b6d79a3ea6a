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

package resolver

import (
	"context"
	"fmt"
	"iter"
	"net"
	"strconv"
	"strings"
)

// NewServerListResolver creates a resolver that offers the given servers,
// in order. Each entry is "host" or "host:port"; entries without a port use
// defaultPort. IPv6 hosts with a port must be bracketed.
//
// The list is offered for the coordinator service. It is offered for the
// certificate authority only if allowCertificateAuthority is true, which
// should be false when a certificate authority server has been pinned
// explicitly. Other services get no candidates.
func NewServerListResolver(servers []string, defaultPort int, allowCertificateAuthority bool) Resolver {
	return &serverListResolver{
		servers:     append([]string(nil), servers...),
		defaultPort: defaultPort,
		allowCA:     allowCertificateAuthority,
	}
}

type serverListResolver struct {
	servers     []string
	defaultPort int
	allowCA     bool
}

func (r *serverListResolver) Resolve(_ context.Context, service Service) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		if !r.eligible(service) {
			return
		}
		for _, server := range r.servers {
			candidate, err := parseServer(server, r.defaultPort)
			if !yield(candidate, err) {
				return
			}
		}
	}
}

func (r *serverListResolver) eligible(service Service) bool {
	switch service { //nolint:exhaustive
	case Coordinator:
		return true
	case CertificateAuthority:
		return r.allowCA
	default:
		return false
	}
}

// parseServer parses a "host[:port]" server list entry.
func parseServer(server string, defaultPort int) (Candidate, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Candidate{}, fmt.Errorf("empty server list entry")
	}
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		// Assume this is a bare host, possibly an unbracketed IPv6 address.
		host = strings.Trim(server, "[]")
		if strings.Count(server, ":") == 1 {
			return Candidate{}, fmt.Errorf("invalid server list entry %q: %w", server, err)
		}
		return Candidate{Host: host, Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("invalid port in server list entry %q", server)
	}
	if host == "" {
		return Candidate{}, fmt.Errorf("missing host in server list entry %q", server)
	}
	return Candidate{Host: host, Port: port}, nil
}
