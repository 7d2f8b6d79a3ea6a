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

// Package settings loads agent HTTP settings from YAML and turns them into
// client options.
package settings

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/bufbuild/agenthttp"
	"github.com/bufbuild/agenthttp/resolver"
	"gopkg.in/yaml.v3"
)

const (
	defaultServer         = "coordinator"
	defaultRedirectLimit  = 10
	defaultRetryLimit     = 100
	defaultRunInterval    = Seconds(30 * 60)
	defaultConnectTimeout = Seconds(120)
	defaultConfigTimeout  = Seconds(120)
)

// Seconds is a whole number of seconds. In YAML it may be written as an
// integer or as a string of digits.
type Seconds int

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number of seconds", node.Line)
	}
	value, err := strconv.Atoi(node.Value)
	if err != nil || value < 0 {
		return fmt.Errorf("line %d: invalid timeout %q: must be a non-negative whole number of seconds", node.Line, node.Value)
	}
	*s = Seconds(value)
	return nil
}

// Duration converts s to a time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s) * time.Second
}

// Settings are the agent's HTTP settings. Field names follow the keys of
// the settings file.
type Settings struct {
	Server     string   `yaml:"server"`
	ServerPort int      `yaml:"server_port"`
	ServerList []string `yaml:"server_list"`

	UseSRVRecords bool   `yaml:"use_srv_records"`
	SRVDomain     string `yaml:"srv_domain"`

	// CAServer pins the certificate authority. When set, the server list
	// is not used to find it.
	CAServer     string `yaml:"ca_server"`
	CAPort       int    `yaml:"ca_port"`
	ReportServer string `yaml:"report_server"`
	ReportPort   int    `yaml:"report_port"`

	ConnectTimeout   Seconds `yaml:"http_connect_timeout"`
	ReadTimeout      Seconds `yaml:"http_read_timeout"`
	KeepAliveTimeout Seconds `yaml:"http_keepalive_timeout"`
	RequestTimeout   Seconds `yaml:"http_request_timeout"`
	// ConfigTimeout bounds file downloads.
	ConfigTimeout Seconds `yaml:"configtimeout"`
	// RunInterval is the wait used when a server asks for a retry without
	// saying when, and the longest wait honored.
	RunInterval Seconds `yaml:"runinterval"`

	RedirectLimit *int `yaml:"http_redirect_limit"`
	RetryLimit    *int `yaml:"http_retry_limit"`

	UserAgent string `yaml:"http_user_agent"`
	// LocalCACert is a PEM bundle of the roots trusted by default.
	LocalCACert string `yaml:"localcacert"`
	// TrustStore is a PEM bundle of roots added to the system store for
	// requests that include it.
	TrustStore string `yaml:"ssl_trust_store"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

// Load reads settings from the YAML file at path. A missing file yields
// the defaults.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates settings from YAML.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings YAML: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.Server == "" {
		s.Server = defaultServer
	}
	if s.ServerPort == 0 {
		s.ServerPort = agenthttp.DefaultServerPort
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = defaultConnectTimeout
	}
	if s.ConfigTimeout == 0 {
		s.ConfigTimeout = defaultConfigTimeout
	}
	if s.RunInterval == 0 {
		s.RunInterval = defaultRunInterval
	}
	if s.RedirectLimit == nil {
		limit := defaultRedirectLimit
		s.RedirectLimit = &limit
	}
	if s.RetryLimit == nil {
		limit := defaultRetryLimit
		s.RetryLimit = &limit
	}
}

// Validate reports the first problem found in s.
func (s *Settings) Validate() error {
	for name, port := range map[string]int{
		"server_port": s.ServerPort,
		"ca_port":     s.CAPort,
		"report_port": s.ReportPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s: %d is not a valid port", name, port)
		}
	}
	if s.UseSRVRecords && s.SRVDomain == "" {
		return errors.New("srv_domain is required when use_srv_records is enabled")
	}
	if s.RedirectLimit != nil && *s.RedirectLimit < 0 {
		return fmt.Errorf("http_redirect_limit: %d must not be negative", *s.RedirectLimit)
	}
	if s.RetryLimit != nil && *s.RetryLimit < 0 {
		return fmt.Errorf("http_retry_limit: %d must not be negative", *s.RetryLimit)
	}
	return nil
}

// Discovery describes where services live according to s. The lookup is
// used for SRV records and may be nil to use the system resolver.
func (s *Settings) Discovery(lookup resolver.SRVLookuper) agenthttp.Discovery {
	pinned := map[resolver.Service]resolver.Candidate{}
	if s.CAServer != "" {
		pinned[resolver.CertificateAuthority] = resolver.Candidate{Host: s.CAServer, Port: portOr(s.CAPort, s.ServerPort)}
	}
	if s.ReportServer != "" {
		pinned[resolver.Report] = resolver.Candidate{Host: s.ReportServer, Port: portOr(s.ReportPort, s.ServerPort)}
	}
	return agenthttp.Discovery{
		UseSRV:         s.UseSRVRecords,
		SRVDomain:      s.SRVDomain,
		SRVLookuper:    lookup,
		ServerList:     s.ServerList,
		ServerListPort: s.ServerPort,
		Server:         resolver.Candidate{Host: s.Server, Port: s.ServerPort},
		Pinned:         pinned,
	}
}

// ClientOptions returns the options for a client configured by s.
func (s *Settings) ClientOptions(lookup resolver.SRVLookuper) []agenthttp.ClientOption {
	dialer := &net.Dialer{
		Timeout:   s.ConnectTimeout.Duration(),
		KeepAlive: 30 * time.Second,
	}
	opts := []agenthttp.ClientOption{
		agenthttp.WithDiscovery(s.Discovery(lookup)),
		agenthttp.WithDialer(dialer.DialContext),
		agenthttp.WithReadTimeout(s.ReadTimeout.Duration()),
		agenthttp.WithKeepAliveTimeout(s.KeepAliveTimeout.Duration()),
		agenthttp.WithRequestTimeout(s.RequestTimeout.Duration()),
		agenthttp.WithRetryInterval(s.RunInterval.Duration()),
	}
	if s.RedirectLimit != nil {
		opts = append(opts, agenthttp.WithRedirectLimit(*s.RedirectLimit))
	}
	if s.RetryLimit != nil {
		opts = append(opts, agenthttp.WithRetryLimit(*s.RetryLimit))
	}
	if s.UserAgent != "" {
		opts = append(opts, agenthttp.WithUserAgent(s.UserAgent))
	}
	if s.LocalCACert != "" {
		path := s.LocalCACert
		opts = append(opts, agenthttp.WithTLSContextProvider(func() (*agenthttp.TLSContext, error) {
			return loadTLSContext(path)
		}))
	}
	if s.TrustStore != "" {
		opts = append(opts, agenthttp.WithCertProvider(agenthttp.PEMFileCertProvider{Path: s.TrustStore}))
	}
	return opts
}

func loadTLSContext(path string) (*agenthttp.TLSContext, error) {
	certs, err := agenthttp.PEMFileCertProvider{Path: path}.LoadTrustedRoots()
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	roots := x509.NewCertPool()
	for _, cert := range certs {
		roots.AddCert(cert)
	}
	return agenthttp.NewTLSContext(roots), nil
}

func portOr(port, fallback int) int {
	if port != 0 {
		return port
	}
	return fallback
}
