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
	"maps"
)

// NewSettingsResolver creates a resolver backed by static configuration.
// It offers exactly one candidate for every service: the entry in
// overrides for that service if there is one, otherwise server.
func NewSettingsResolver(server Candidate, overrides map[Service]Candidate) Resolver {
	return &settingsResolver{server: server, overrides: maps.Clone(overrides)}
}

type settingsResolver struct {
	server    Candidate
	overrides map[Service]Candidate
}

func (r *settingsResolver) Resolve(_ context.Context, service Service) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		candidate, ok := r.overrides[service]
		if !ok {
			candidate = r.server
		}
		candidate.Unchecked = true
		yield(candidate, nil)
	}
}
