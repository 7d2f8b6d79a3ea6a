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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsResolver(t *testing.T) {
	t.Parallel()
	server := Candidate{Host: "main.example.com", Port: 8140}
	overrides := map[Service]Candidate{
		CertificateAuthority: {Host: "ca.example.com", Port: 8443},
	}
	res := NewSettingsResolver(server, overrides)
	// Later changes to the map do not affect the resolver.
	overrides[Report] = Candidate{Host: "report.example.com", Port: 1}

	// Configured servers are used without probing.
	unchecked := server
	unchecked.Unchecked = true
	assert.Equal(t, []Candidate{unchecked}, candidates(t, res.Resolve(t.Context(), Coordinator)))
	assert.Equal(t, []Candidate{{Host: "ca.example.com", Port: 8443, Unchecked: true}}, candidates(t, res.Resolve(t.Context(), CertificateAuthority)))
	assert.Equal(t, []Candidate{unchecked}, candidates(t, res.Resolve(t.Context(), Report)))
}
