// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package tlscfg models the TLS material shared by TLS and WSS sockets.  A
// Config is mutable until the first Build; sockets hold the built snapshot,
// so later setter calls never affect live connections.
package tlscfg

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/dealancer/validate.v2"
)

var (
	ErrMisconfiguredTLS = errors.New("misconfigured TLS")
	ErrUnknownCipher    = errors.New("unknown cipher")
)

// Protocol selects the TLS protocol version for the connection.
type Protocol int

const (
	TLSv1_1 Protocol = iota
	TLSv1_2
	TLSv1_3
)

func (p Protocol) version() (uint16, error) {
	switch p {
	case TLSv1_1:
		return tls.VersionTLS11, nil
	case TLSv1_2:
		return tls.VersionTLS12, nil
	case TLSv1_3:
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("%w: unknown protocol (%d)", ErrMisconfiguredTLS, int(p))
}

// VerifyMode mirrors the peer verification policy.
type VerifyMode int

const (
	VerifyNone VerifyMode = iota
	VerifyPeer
)

// Config collects the certificate material for one side of a connection.
type Config struct {
	Protocol   Protocol
	CertFile   string
	KeyFile    string
	CAFile     string
	Ciphers    string
	VerifyMode VerifyMode

	mu    sync.Mutex
	built *tls.Config
}

// bounds is the validated projection of a Config.
type bounds struct {
	Protocol   Protocol   `validate:"gte=0 & lte=2"`
	VerifyMode VerifyMode `validate:"gte=0 & lte=1"`
}

// New creates a Config pinned to the given protocol version.
func New(protocol Protocol) *Config {
	return &Config{Protocol: protocol}
}

// SetCertificate sets the path of the PEM certificate presented to the peer.
func (c *Config) SetCertificate(path string) { c.CertFile = path }

// SetPrivateKey sets the path of the PEM private key for the certificate.
func (c *Config) SetPrivateKey(path string) { c.KeyFile = path }

// SetCAFile sets the path of the PEM CA bundle used to verify the peer.
func (c *Config) SetCAFile(path string) { c.CAFile = path }

// SetCiphers sets an OpenSSL-style colon separated cipher list.  Entries
// that do not name a Go cipher suite are ignored; an exclusion-only list
// leaves the Go defaults in place.
func (c *Config) SetCiphers(list string) { c.Ciphers = list }

// SetVerifyMode sets whether the peer certificate must verify.
func (c *Config) SetVerifyMode(m VerifyMode) { c.VerifyMode = m }

// Build snapshots the configuration into a *tls.Config.  The first call
// freezes the snapshot; subsequent calls return the same value so every
// socket built from this Config shares it.
func (c *Config) Build(server bool) (*tls.Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.built != nil {
		return c.built, nil
	}

	if err := validate.Validate(bounds{c.Protocol, c.VerifyMode}); err != nil {
		return nil, errors.Join(ErrMisconfiguredTLS, err)
	}

	version, err := c.Protocol.version()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: version,
		MaxVersion: version,
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(ErrMisconfiguredTLS, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Join(ErrMisconfiguredTLS, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrMisconfiguredTLS, c.CAFile)
		}
		cfg.RootCAs = pool
		cfg.ClientCAs = pool
	}

	if suites := parseCipherList(c.Ciphers); len(suites) > 0 {
		cfg.CipherSuites = suites
	}

	if server {
		if c.VerifyMode == VerifyPeer {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		}
	} else if c.VerifyMode == VerifyNone {
		cfg.InsecureSkipVerify = true
	}

	c.built = cfg
	return cfg, nil
}

// opensslNames maps the OpenSSL spellings seen in cipher lists onto the Go
// suite names.  Unlisted entries fall through to a direct name match.
var opensslNames = map[string]string{
	"AES128-GCM-SHA256":             "TLS_RSA_WITH_AES_128_GCM_SHA256",
	"AES256-GCM-SHA384":             "TLS_RSA_WITH_AES_256_GCM_SHA384",
	"AES128-SHA":                    "TLS_RSA_WITH_AES_128_CBC_SHA",
	"AES256-SHA":                    "TLS_RSA_WITH_AES_256_CBC_SHA",
	"ECDHE-RSA-AES128-GCM-SHA256":   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384":   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256": "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384": "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-RSA-CHACHA20-POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
}

func parseCipherList(list string) []uint16 {
	if list == "" {
		return nil
	}

	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byName[s.Name] = s.ID
	}

	var suites []uint16
	for _, entry := range strings.Split(list, ":") {
		entry = strings.TrimSpace(entry)
		// exclusions and keyword classes (HIGH, !MD5, ...) have no Go
		// equivalent and are skipped
		if entry == "" || strings.HasPrefix(entry, "!") {
			continue
		}
		name, ok := opensslNames[entry]
		if !ok {
			name = entry
		}
		if id, ok := byName[name]; ok {
			suites = append(suites, id)
		}
	}
	return suites
}
