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

// Package agenthttp provides the HTTP client used by an agent to talk to
// its coordinator and related services. It adds features on top of the
// standard net/http library that long-running agents need: persistent
// connections that are never shared across TLS trust configurations,
// redirect and Retry-After handling with explicit limits, and routing of
// logical services to concrete servers through an ordered chain of
// resolvers.
//
// To create a new client use the [NewClient] function. It accepts options
// for configuring the connection [Pool], TLS trust, limits on redirects and
// retries, and how services are discovered. The client has a notion of
// "closing", via its Close method, which closes its idle connections.
//
// # Requests
//
// The client's verbs, such as [Client.Get] and [Client.Post], run a loop
// for each request: a connection is borrowed from the pool, the request is
// sent, and the response is examined. Redirects (301, 302, 303, 307, and
// 308) are followed up to a limit, and responses with status 503 or 429
// cause the client to wait, honoring the Retry-After header, and try again.
// The final response is either read fully into a [Response] or handed to
// a callback as a [StreamResponse]. Either way, the response body is
// drained before the connection goes back to the pool.
//
// Failures are reported with distinct types: [*ConnectionError] when no
// connection could be established, [*HTTPError] when something went wrong
// after connecting, [*TLSError] when the server's certificate is rejected,
// and [*ConfigurationError] or [*SerializationError] for bad input, which
// are detected before any network activity.
//
// # Connections
//
// A [Pool] keeps idle connections keyed by [Site] (scheme, host, and port)
// and by the [TLSContext] used to verify them, so a connection verified
// against one set of trusted roots is never reused by a request that asked
// for another. Besides "http" and "https", the "h2c" scheme is supported
// for HTTP/2 over plaintext.
//
// # Services
//
// A [Session] routes a logical service, such as the coordinator or the
// certificate authority, to a site. The resolvers in the client's chain
// (see the resolver package) are consulted in order, and the first
// candidate that accepts a connection is used for the rest of the session.
package agenthttp
