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
	"encoding/binary"
	"errors"
	"io"
	"iter"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestChain(t *testing.T) {
	t.Parallel()
	first := NewSettingsResolver(Candidate{Host: "one.example.com", Port: 1}, nil)
	second := NewSettingsResolver(Candidate{Host: "two.example.com", Port: 2}, nil)
	resolvers := []Resolver{first, second}
	chain := NewChain(resolvers...)
	// The chain is unaffected by later changes to the slice it was built from.
	resolvers[0] = second

	assert.Equal(t, 2, chain.Len())
	var hosts []string
	for res := range chain.All() {
		for candidate, err := range res.Resolve(t.Context(), Coordinator) {
			require.NoError(t, err)
			hosts = append(hosts, candidate.Host)
		}
	}
	assert.Equal(t, []string{"one.example.com", "two.example.com"}, hosts)
	assert.Zero(t, NewChain().Len())
}

func TestCandidateHostPort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "example.com:8140", Candidate{Host: "example.com", Port: 8140}.HostPort())
	assert.Equal(t, "[::1]:8140", Candidate{Host: "::1", Port: 8140}.HostPort())
}

type result struct {
	candidate Candidate
	err       error
}

func collect(t *testing.T, seq iter.Seq2[Candidate, error]) []result {
	t.Helper()
	var results []result
	for candidate, err := range seq {
		results = append(results, result{candidate, err})
	}
	return results
}

func candidates(t *testing.T, seq iter.Seq2[Candidate, error]) []Candidate {
	t.Helper()
	var found []Candidate
	for _, res := range collect(t, seq) {
		require.NoError(t, res.err)
		found = append(found, res.candidate)
	}
	return found
}

type fakeDNSResolver struct {
	t *testing.T
	// records maps fully qualified names to their service records.
	records map[string][]dnsmessage.SRVResource
}

func (r *fakeDNSResolver) Dial(context.Context, string, string) (net.Conn, error) {
	clientConn, serverConn := net.Pipe()
	go func() {
		var requestLength uint16
		if err := binary.Read(serverConn, binary.BigEndian, &requestLength); err != nil {
			if !errors.Is(err, io.EOF) {
				r.t.Errorf("error reading dns request length: %v", err)
			}
			return
		}
		requestData := make([]byte, requestLength)
		if _, err := io.ReadFull(serverConn, requestData); err != nil {
			r.t.Errorf("error reading dns request: %v", err)
			return
		}
		request := &dnsmessage.Message{}
		if err := request.Unpack(requestData); err != nil {
			r.t.Errorf("error unpacking dns request: %v", err)
			return
		}
		question := request.Questions[0]
		rcode := dnsmessage.RCodeNameError
		var answers []dnsmessage.Resource
		if records, ok := r.records[question.Name.String()]; ok && question.Type == dnsmessage.TypeSRV {
			rcode = dnsmessage.RCodeSuccess
			for _, record := range records {
				answers = append(answers, dnsmessage.Resource{
					Header: dnsmessage.ResourceHeader{
						Name:  question.Name,
						Type:  dnsmessage.TypeSRV,
						Class: dnsmessage.ClassINET,
					},
					Body: &record,
				})
			}
		}
		response := &dnsmessage.Message{
			Header: dnsmessage.Header{
				ID:            request.ID,
				Response:      true,
				RCode:         rcode,
				Authoritative: true,
			},
			Questions: request.Questions,
			Answers:   answers,
		}
		responseData, err := response.Pack()
		if err != nil {
			r.t.Errorf("error packing dns response: %v", err)
			return
		}
		responseLength := uint16(len(responseData))
		if err := binary.Write(serverConn, binary.BigEndian, &responseLength); err != nil {
			r.t.Errorf("error writing dns response length: %v", err)
			return
		}
		if _, err := serverConn.Write(responseData); err != nil {
			r.t.Errorf("error writing dns response: %v", err)
			return
		}
		_ = serverConn.Close()
	}()
	return clientConn, nil
}

func newFakeDNSResolver(t *testing.T, records map[string][]dnsmessage.SRVResource) *net.Resolver {
	t.Helper()
	dialer := &fakeDNSResolver{t: t, records: records}
	return &net.Resolver{
		PreferGo: true,
		Dial:     dialer.Dial,
	}
}
