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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/agenthttp/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestSRVResolver(t *testing.T) {
	t.Parallel()
	dns := newFakeDNSResolver(t, map[string][]dnsmessage.SRVResource{
		"_x-agent._tcp.example.com.": {
			{Priority: 20, Weight: 5, Port: 8141, Target: dnsmessage.MustNewName("backup.example.com.")},
			{Priority: 10, Weight: 5, Port: 8140, Target: dnsmessage.MustNewName("main.example.com.")},
		},
		"_x-agent-ca._tcp.example.com.": {
			{Priority: 10, Weight: 1, Port: 8443, Target: dnsmessage.MustNewName("ca.example.com.")},
		},
	})
	res := NewSRVResolver(dns, "example.com")

	assert.Equal(t, []Candidate{
		{Host: "main.example.com", Port: 8140, Priority: 10, Weight: 5},
		{Host: "backup.example.com", Port: 8141, Priority: 20, Weight: 5},
	}, candidates(t, res.Resolve(t.Context(), Coordinator)))
	assert.Equal(t, []Candidate{
		{Host: "ca.example.com", Port: 8443, Priority: 10, Weight: 1},
	}, candidates(t, res.Resolve(t.Context(), CertificateAuthority)))

	// Services without records of their own fall back to the coordinator.
	assert.Equal(t, []Candidate{
		{Host: "main.example.com", Port: 8140, Priority: 10, Weight: 5},
		{Host: "backup.example.com", Port: 8141, Priority: 20, Weight: 5},
	}, candidates(t, res.Resolve(t.Context(), Report)))
}

func TestSRVResolver_NoRecords(t *testing.T) {
	t.Parallel()
	res := NewSRVResolver(newFakeDNSResolver(t, nil), "example.com.")
	assert.Empty(t, collect(t, res.Resolve(t.Context(), Coordinator)))
	assert.Empty(t, collect(t, res.Resolve(t.Context(), FileServer)))
}

type fakeSRVLookuper struct {
	mu      sync.Mutex
	lookups []string
	records map[string][]*net.SRV
	err     error
}

func (f *fakeSRVLookuper) LookupSRV(_ context.Context, service, proto, name string) (string, []*net.SRV, error) {
	fqdn := "_" + service + "._" + proto + "." + name
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, fqdn)
	if f.err != nil {
		return "", nil, f.err
	}
	records, ok := f.records[fqdn]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: fqdn, IsNotFound: true}
	}
	return fqdn, records, nil
}

func (f *fakeSRVLookuper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lookups)
}

func TestSRVResolver_Cache(t *testing.T) {
	t.Parallel()
	lookup := &fakeSRVLookuper{records: map[string][]*net.SRV{
		"_x-agent._tcp.example.com": {{Target: "main.example.com.", Port: 8140}},
	}}
	testClock := clocktest.NewFakeClock()
	res := NewSRVResolver(lookup, "example.com", WithCacheTTL(time.Minute))
	res.(*srvResolver).clock = testClock //nolint:errcheck

	want := []Candidate{{Host: "main.example.com", Port: 8140}}
	assert.Equal(t, want, candidates(t, res.Resolve(t.Context(), Coordinator)))
	assert.Equal(t, want, candidates(t, res.Resolve(t.Context(), Coordinator)))
	assert.Equal(t, 1, lookup.count())

	// Missing records are cached too.
	assert.Equal(t, want, candidates(t, res.Resolve(t.Context(), Report)))
	assert.Equal(t, want, candidates(t, res.Resolve(t.Context(), Report)))
	assert.Equal(t, []string{"_x-agent._tcp.example.com", "_x-agent-report._tcp.example.com"}, lookup.lookups)

	testClock.Advance(time.Minute)
	assert.Equal(t, want, candidates(t, res.Resolve(t.Context(), Coordinator)))
	assert.Equal(t, 3, lookup.count())
}

func TestSRVResolver_LazyAndErrors(t *testing.T) {
	t.Parallel()
	lookupErr := errors.New("server misbehaving")
	lookup := &fakeSRVLookuper{err: lookupErr}
	res := NewSRVResolver(lookup, "example.com")

	seq := res.Resolve(t.Context(), Coordinator)
	assert.Zero(t, lookup.count())
	results := collect(t, seq)
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0].err, lookupErr)

	// Failures are not cached.
	collect(t, seq)
	assert.Equal(t, 2, lookup.count())
}
