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
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
)

// TLSContext is an immutable bundle of verification material: the trusted
// root certificates and, optionally, client certificates presented to
// servers. Connections are only pooled with other connections that were
// verified using the same *TLSContext.
type TLSContext struct {
	roots        *x509.CertPool
	certificates []tls.Certificate
}

// NewTLSContext returns a context that trusts the given roots and presents
// the given client certificates. A nil roots pool means that the platform's
// trust store is used.
func NewTLSContext(roots *x509.CertPool, clientCerts ...tls.Certificate) *TLSContext {
	return &TLSContext{roots: roots, certificates: clientCerts}
}

// NewSystemTLSContext returns a context that trusts the platform's trust
// store in addition to the given certificates.
func NewSystemTLSContext(extraRoots []*x509.Certificate) (*TLSContext, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system trust store: %w", err)
	}
	for _, cert := range extraRoots {
		pool.AddCert(cert)
	}
	return &TLSContext{roots: pool}, nil
}

// ClientConfig returns a TLS configuration that verifies the given server
// name against this context's roots.
func (c *TLSContext) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:      c.roots,
		Certificates: c.certificates,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}
}

// Verifier binds a TLS context to the host it is expected to verify.
type Verifier struct {
	host string
	ctx  *TLSContext
}

// NewVerifier returns a verifier for host using ctx.
func NewVerifier(host string, ctx *TLSContext) *Verifier {
	return &Verifier{host: host, ctx: ctx}
}

// Context returns the TLS context the verifier uses.
func (v *Verifier) Context() *TLSContext {
	if v == nil {
		return nil
	}
	return v.ctx
}

func (v *Verifier) config() *tls.Config {
	return v.ctx.ClientConfig(v.host)
}

// CertProvider supplies trusted root certificates from local storage. It
// must not perform network I/O.
type CertProvider interface {
	// LoadTrustedRoots returns zero or more certificates to trust. A
	// provider with nothing to offer returns an empty slice and no error.
	LoadTrustedRoots() ([]*x509.Certificate, error)
}

// PEMFileCertProvider loads trusted roots from a PEM bundle on disk. A
// missing file yields no certificates.
type PEMFileCertProvider struct {
	Path string
}

// LoadTrustedRoots implements CertProvider.
func (p PEMFileCertProvider) LoadTrustedRoots() ([]*x509.Certificate, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate in %s: %w", p.Path, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// tlsContextResolver picks the TLS context for a request. The system-store
// and default contexts are built at most once per client.
type tlsContextResolver struct {
	certProvider    CertProvider
	defaultProvider func() (*TLSContext, error)

	mu sync.Mutex
	// +checklocks:mu
	system *TLSContext
	// +checklocks:mu
	defaultCtx *TLSContext
}

func (r *tlsContextResolver) resolve(explicit *TLSContext, includeSystemStore bool) (*TLSContext, error) {
	switch {
	case explicit != nil && includeSystemStore:
		return nil, &ConfigurationError{Message: "the TLS context and include-system-store options are mutually exclusive"}
	case explicit != nil:
		return explicit, nil
	case includeSystemStore:
		return r.systemContext()
	default:
		return r.defaultContext()
	}
}

func (r *tlsContextResolver) systemContext() (*TLSContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.system != nil {
		return r.system, nil
	}
	var roots []*x509.Certificate
	if r.certProvider != nil {
		var err error
		roots, err = r.certProvider.LoadTrustedRoots()
		if err != nil {
			return nil, fmt.Errorf("failed to load trusted roots: %w", err)
		}
	}
	ctx, err := NewSystemTLSContext(roots)
	if err != nil {
		return nil, err
	}
	r.system = ctx
	return ctx, nil
}

func (r *tlsContextResolver) defaultContext() (*TLSContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.defaultCtx != nil {
		return r.defaultCtx, nil
	}
	var (
		ctx *TLSContext
		err error
	)
	if r.defaultProvider != nil {
		ctx, err = r.defaultProvider()
	} else {
		ctx, err = NewSystemTLSContext(nil)
	}
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		return nil, &ConfigurationError{Message: "default TLS context provider returned no context"}
	}
	r.defaultCtx = ctx
	return ctx, nil
}
