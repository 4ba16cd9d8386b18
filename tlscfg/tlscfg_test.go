// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package tlscfg

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestPair writes a self-signed cert/key pair and returns the paths.
func writeTestPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "meshwire test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	return certFile, keyFile
}

func TestBuild(t *testing.T) {
	certFile, keyFile := writeTestPair(t)

	tests := []struct {
		description string
		cfg         func() *Config
		server      bool
		expectedErr error
		check       func(*assert.Assertions, *tls.Config)
	}{
		{
			description: "client with full material",
			cfg: func() *Config {
				c := New(TLSv1_2)
				c.SetCertificate(certFile)
				c.SetPrivateKey(keyFile)
				c.SetCAFile(certFile)
				c.SetVerifyMode(VerifyPeer)
				return c
			},
			check: func(assert *assert.Assertions, got *tls.Config) {
				assert.Equal(uint16(tls.VersionTLS12), got.MinVersion)
				assert.Equal(uint16(tls.VersionTLS12), got.MaxVersion)
				assert.Len(got.Certificates, 1)
				assert.NotNil(got.RootCAs)
				assert.False(got.InsecureSkipVerify)
			},
		}, {
			description: "client skips verification when asked",
			cfg: func() *Config {
				c := New(TLSv1_3)
				c.SetVerifyMode(VerifyNone)
				return c
			},
			check: func(assert *assert.Assertions, got *tls.Config) {
				assert.True(got.InsecureSkipVerify)
				assert.Equal(uint16(tls.VersionTLS13), got.MinVersion)
			},
		}, {
			description: "server requires client certs on VerifyPeer",
			cfg: func() *Config {
				c := New(TLSv1_2)
				c.SetCertificate(certFile)
				c.SetPrivateKey(keyFile)
				c.SetCAFile(certFile)
				c.SetVerifyMode(VerifyPeer)
				return c
			},
			server: true,
			check: func(assert *assert.Assertions, got *tls.Config) {
				assert.Equal(tls.RequireAndVerifyClientCert, got.ClientAuth)
				assert.NotNil(got.ClientCAs)
			},
		}, {
			description: "missing key file",
			cfg: func() *Config {
				c := New(TLSv1_2)
				c.SetCertificate(certFile)
				c.SetPrivateKey(filepath.Join(t.TempDir(), "nope.pem"))
				return c
			},
			expectedErr: ErrMisconfiguredTLS,
		}, {
			description: "missing ca file",
			cfg: func() *Config {
				c := New(TLSv1_2)
				c.SetCAFile(filepath.Join(t.TempDir(), "nope.pem"))
				return c
			},
			expectedErr: ErrMisconfiguredTLS,
		}, {
			description: "garbage ca file",
			cfg: func() *Config {
				dir := t.TempDir()
				path := filepath.Join(dir, "junk.pem")
				_ = os.WriteFile(path, []byte("not pem"), 0o600)
				c := New(TLSv1_2)
				c.SetCAFile(path)
				return c
			},
			expectedErr: ErrMisconfiguredTLS,
		}, {
			description: "bad protocol",
			cfg: func() *Config {
				return New(Protocol(42))
			},
			expectedErr: ErrMisconfiguredTLS,
		},
	}
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			assert := assert.New(t)

			got, err := tc.cfg().Build(tc.server)

			if tc.expectedErr != nil {
				assert.ErrorIs(err, tc.expectedErr)
				assert.Nil(got)
				return
			}

			assert.NoError(err)
			if tc.check != nil {
				tc.check(assert, got)
			}
		})
	}
}

func TestBuildFreezes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := New(TLSv1_2)
	c.SetVerifyMode(VerifyNone)

	first, err := c.Build(false)
	require.NoError(err)

	// later setter calls do not affect the frozen snapshot
	c.SetVerifyMode(VerifyPeer)
	second, err := c.Build(false)
	require.NoError(err)

	assert.Same(first, second)
	assert.True(second.InsecureSkipVerify)
}

func TestParseCipherList(t *testing.T) {
	tests := []struct {
		description string
		list        string
		want        int
		contains    uint16
	}{
		{
			description: "empty list",
			list:        "",
			want:        0,
		}, {
			description: "openssl spellings with exclusions",
			list:        "AES128-GCM-SHA256:RC4:HIGH:!MD5:!aNULL:!EDH",
			want:        1,
			contains:    tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		}, {
			description: "go names pass through",
			list:        "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
			want:        1,
			contains:    tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		}, {
			description: "unknown entries skipped",
			list:        "TOTALLY-FAKE:ALSO-FAKE",
			want:        0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			assert := assert.New(t)

			got := parseCipherList(tc.list)
			assert.Len(got, tc.want)
			if tc.want > 0 {
				assert.Contains(got, tc.contains)
			}
		})
	}
}
