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
	"iter"
	"net"
	"slices"
	"strconv"
)

// Service is the name of a logical service provided by one or more servers.
type Service string

const (
	// Coordinator is the primary coordination service.
	Coordinator Service = "coordinator"
	// CertificateAuthority is the service that signs agent certificates.
	CertificateAuthority Service = "ca"
	// Report is the service that receives run reports.
	Report Service = "report"
	// FileServer is the service that serves file content and metadata.
	FileServer Service = "fileserver"
)

// Resolver maps a service to candidate servers.
type Resolver interface {
	// Resolve returns the candidates for the given service, most preferred
	// first. The sequence is finite and lazy: no lookups happen until it is
	// iterated, and iterating it again restarts resolution. A lookup
	// failure is yielded as an error; iteration may continue past it.
	Resolve(ctx context.Context, service Service) iter.Seq2[Candidate, error]
}

// Candidate is a server that may provide a service.
type Candidate struct {
	Host string
	Port int

	// Priority and Weight are set for candidates discovered via DNS
	// service records.
	Priority uint16
	Weight   uint16

	// Unchecked is set for candidates that are used as-is, without checking
	// them first. The settings resolver, the last resort of a chain, yields
	// such candidates.
	Unchecked bool
}

// HostPort returns the "host:port" address of the candidate.
func (c Candidate) HostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Chain is an ordered, immutable list of resolvers.
type Chain struct {
	resolvers []Resolver
}

// NewChain returns a chain that tries the given resolvers in order.
func NewChain(resolvers ...Resolver) Chain {
	return Chain{resolvers: slices.Clone(resolvers)}
}

// All returns the resolvers of the chain, in order.
func (c Chain) All() iter.Seq[Resolver] {
	return slices.Values(c.resolvers)
}

// Len returns the number of resolvers in the chain.
func (c Chain) Len() int {
	return len(c.resolvers)
}
