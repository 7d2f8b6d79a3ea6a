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
	"errors"
	"iter"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/agenthttp/internal"
)

const defaultSRVCacheTTL = 5 * time.Minute

// SRVLookuper looks up DNS service records. A [*net.Resolver] satisfies
// this interface.
type SRVLookuper interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVOption is an option used to customize an SRV resolver.
type SRVOption interface {
	applyToSRV(*srvResolver)
}

type srvOptionFunc func(*srvResolver)

func (f srvOptionFunc) applyToSRV(r *srvResolver) {
	f(r)
}

// WithCacheTTL configures how long looked-up records are reused before
// they are looked up again. Because [net.Resolver] does not expose record
// TTL values, a fixed TTL is used. If zero or no WithCacheTTL option is
// used, records are cached for 5 minutes.
func WithCacheTTL(ttl time.Duration) SRVOption {
	return srvOptionFunc(func(r *srvResolver) {
		r.ttl = ttl
	})
}

// NewSRVResolver creates a resolver that discovers servers using DNS
// service records in the given domain. The record for the coordinator is
// "_x-agent._tcp.<domain>", and for any other service it is
// "_x-agent-<service>._tcp.<domain>". When a service has no records of its
// own, the coordinator's records are used.
func NewSRVResolver(lookup SRVLookuper, domain string, options ...SRVOption) Resolver {
	res := &srvResolver{
		lookup: lookup,
		domain: strings.TrimSuffix(domain, "."),
		clock:  internal.NewRealClock(),
		cache:  map[Service]srvCacheEntry{},
	}
	for _, opt := range options {
		opt.applyToSRV(res)
	}
	if res.ttl == 0 {
		res.ttl = defaultSRVCacheTTL
	}
	return res
}

type srvResolver struct {
	lookup SRVLookuper
	domain string
	ttl    time.Duration
	clock  internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	cache map[Service]srvCacheEntry
}

type srvCacheEntry struct {
	records []*net.SRV
	expiry  time.Time
}

func (r *srvResolver) Resolve(ctx context.Context, service Service) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		records, err := r.records(ctx, service)
		if err == nil && len(records) == 0 && service != Coordinator {
			records, err = r.records(ctx, Coordinator)
		}
		if err != nil {
			yield(Candidate{}, err)
			return
		}
		for _, record := range records {
			candidate := Candidate{
				Host:     strings.TrimSuffix(record.Target, "."),
				Port:     int(record.Port),
				Priority: record.Priority,
				Weight:   record.Weight,
			}
			if !yield(candidate, nil) {
				return
			}
		}
	}
}

// records returns the service records for service, from the cache if they
// have not expired. A name that does not exist yields no records and no
// error.
func (r *srvResolver) records(ctx context.Context, service Service) ([]*net.SRV, error) {
	now := r.clock.Now()
	r.mu.Lock()
	entry, ok := r.cache[service]
	r.mu.Unlock()
	if ok && now.Before(entry.expiry) {
		return entry.records, nil
	}

	_, records, err := r.lookup.LookupSRV(ctx, srvName(service), "tcp", r.domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, err
		}
		records = nil
	}
	r.mu.Lock()
	r.cache[service] = srvCacheEntry{records: records, expiry: now.Add(r.ttl)}
	r.mu.Unlock()
	return records, nil
}

func srvName(service Service) string {
	if service == Coordinator {
		return "x-agent"
	}
	return "x-agent-" + string(service)
}
