// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/xmidt-org/arrange/arrangehttp"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/tlscfg"
)

// Dialer opens outbound streams of one transport type.
type Dialer struct {
	Type Type

	// TLS is required for TLS and WSS.
	TLS *tlscfg.Config

	// BindDevice pins the outbound socket to a network interface before
	// the connect starts.
	BindDevice string

	ConnectTimeout time.Duration

	KeepAliveInterval time.Duration

	// WSRequest is the upgrade context for WS and WSS.
	WSRequest *WSRequestContext

	// HTTPClient configures the HTTP client driving the upgrade for WS
	// and WSS.
	HTTPClient arrangehttp.ClientConfig

	// MaxMessageBytes caps a single received message on framed
	// transports.
	MaxMessageBytes int64
}

func (d *Dialer) netDialer() *net.Dialer {
	nd := &net.Dialer{
		Timeout:   d.ConnectTimeout,
		KeepAlive: d.KeepAliveInterval,
	}
	if d.BindDevice != "" {
		nd.Control = bindToDevice(d.BindDevice)
	}
	return nd
}

func (d *Dialer) tlsConfig() (*tls.Config, error) {
	cfg := d.TLS
	if cfg == nil {
		cfg = tlscfg.New(tlscfg.TLSv1_2)
	}
	built, err := cfg.Build(false)
	if err != nil {
		return nil, fault.New(fault.EX509, err)
	}
	return built, nil
}

// Dial connects to the peer and completes any transport handshake.  The
// returned stream is ready for traffic; errors are classified into the
// fault taxonomy.
func (d *Dialer) Dial(ctx context.Context, peer address.Address) (Stream, error) {
	if peer.IsUndefined() {
		return nil, fault.New(fault.EINVAL)
	}

	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}

	switch d.Type {
	case TCP:
		conn, err := d.netDialer().DialContext(ctx, "tcp", peer.HostPort())
		if err != nil {
			return nil, fault.From(err)
		}
		return NewNetStream(TCP, conn), nil

	case TLS:
		tlsCfg, err := d.tlsConfig()
		if err != nil {
			return nil, err
		}
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = peer.Addr
		}
		conn, err := d.netDialer().DialContext(ctx, "tcp", peer.HostPort())
		if err != nil {
			return nil, fault.From(err)
		}
		tc := tls.Client(conn, tlsCfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fault.New(fault.EX509, err)
		}
		return NewNetStream(TLS, tc), nil

	case WS, WSS:
		return d.dialWS(ctx, peer.HostPort())
	}

	return nil, fault.New(fault.EINVAL)
}
