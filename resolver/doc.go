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

// Package resolver provides functionality for service discovery. Service
// resolution is the process of mapping a logical service, such as the
// coordination server or the certificate authority, to one or more
// candidate servers, each a host and port that may provide the service.
//
// It contains the core interface ([Resolver]) that can be implemented to
// create a custom resolution strategy. A resolver yields its candidates
// lazily, in preference order, and can be iterated again to restart.
//
// # Default Implementations
//
// Three strategies are included, and are normally combined in this order
// into a [Chain]:
//
//  1. [NewSRVResolver] discovers servers using DNS service records under a
//     configured domain. Records are ordered by priority and weight.
//  2. [NewServerListResolver] offers an explicitly configured list of
//     servers. Whether the list may be used for the certificate authority
//     is decided when it is constructed, since a certificate authority that
//     was pinned elsewhere must not be overridden by the list.
//  3. [NewSettingsResolver] always offers exactly one statically configured
//     server per service and serves as the final fallback.
//
// The chain itself does no probing. Callers walk the chain, probing each
// candidate, and stop at the first one that works. Candidates marked
// [Candidate.Unchecked] are used without a reachability check.
package resolver
