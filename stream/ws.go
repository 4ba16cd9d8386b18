// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/httpauth"
)

var ErrNotBinary = errors.New("unexpected non-binary websocket message")

// wsStream adapts a coder/websocket connection.  Control frames are handled
// by the underlying library during reads; a peer close surfaces as a read
// error mapped onto the connection-reset path.
type wsStream struct {
	typ  Type
	conn *websocket.Conn

	// raw is the transport connection under the websocket, captured at
	// dial or accept time.  It backs SetSockOpt, the address accessors,
	// and TLSState.
	raw net.Conn

	local, remote net.Addr

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(typ Type, conn *websocket.Conn, raw net.Conn) *wsStream {
	s := &wsStream{
		typ:  typ,
		conn: conn,
		raw:  raw,
	}
	if raw != nil {
		s.local = raw.LocalAddr()
		s.remote = raw.RemoteAddr()
	}
	return s
}

func (s *wsStream) Type() Type { return s.typ }

func (s *wsStream) Read(ctx context.Context) ([]byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, ErrNotBinary
	}
	return data, nil
}

func (s *wsStream) Write(ctx context.Context, p []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, p)
}

func (s *wsStream) Close(graceful bool) error {
	s.closeOnce.Do(func() {
		if graceful {
			s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		s.closeErr = s.conn.CloseNow()
	})
	return s.closeErr
}

func (s *wsStream) LocalAddr() net.Addr  { return s.local }
func (s *wsStream) RemoteAddr() net.Addr { return s.remote }

func (s *wsStream) SetSockOpt(level, opt, value int) error {
	if s.raw == nil {
		return ErrNoRawConn
	}
	return setSockOptConn(s.raw, level, opt, value)
}

func (s *wsStream) TLSState() (tls.ConnectionState, bool) {
	if tc, ok := s.raw.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// IsPeerClose reports whether a read error is the peer closing the
// websocket rather than a protocol failure.  Errors from plain TCP or TLS
// connections, io.EOF included, report false.
func IsPeerClose(err error) bool {
	return websocket.CloseStatus(err) >= 0
}

// connCapture remembers the most recent connection a dialer produced, so
// the stream built after a websocket handshake can reach the socket under
// the HTTP machinery.  One capture serves one dial.
type connCapture struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connCapture) store(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *connCapture) get() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (d *Dialer) dialWS(ctx context.Context, hostport string) (Stream, error) {
	scheme := "ws"
	if d.Type == WSS {
		scheme = "wss"
	}

	reqCtx := d.WSRequest
	if reqCtx == nil {
		reqCtx = &WSRequestContext{}
	}
	path := reqCtx.Path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, hostport, path)

	var capture connCapture
	transport, err := d.wsTransport(&capture)
	if err != nil {
		return nil, err
	}

	client, err := d.HTTPClient.NewClient()
	if err != nil {
		return nil, err
	}
	client.Transport = &httpauth.RoundTripper{
		Base:        transport,
		Credentials: reqCtx.Authenticate,
	}
	// the dial context bounds the handshake; a client-level timeout would
	// keep running and sever the hijacked connection later
	client.Timeout = 0

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: reqCtx.Headers,
		HTTPClient: client,
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, classifyWSDialErr(err, resp)
	}
	if resp.Body != nil {
		resp.Body.Close()
	}

	if d.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.MaxMessageBytes)
	}

	return newWSStream(d.Type, conn, capture.get()), nil
}

// wsTransport builds the HTTP transport for the upgrade: our dialer
// underneath (device binding, TLS with the configured context), with the
// produced connection captured for the stream.
func (d *Dialer) wsTransport(capture *connCapture) (*http.Transport, error) {
	nd := d.netDialer()

	var tlsCfg *tls.Config
	if d.Type == WSS {
		var err error
		tlsCfg, err = d.tlsConfig()
		if err != nil {
			return nil, err
		}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			capture.store(conn)
			return conn, nil
		},
	}

	if tlsCfg != nil {
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			cfg := tlsCfg
			if cfg.ServerName == "" {
				host, _, splitErr := net.SplitHostPort(addr)
				if splitErr == nil {
					cfg = cfg.Clone()
					cfg.ServerName = host
				}
			}
			tc := tls.Client(conn, cfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, fault.New(fault.EX509, err)
			}
			capture.store(tc)
			return tc, nil
		}
	}

	return transport, nil
}

func classifyWSDialErr(err error, resp *http.Response) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe
	}

	if resp != nil {
		// the upgrade exchange itself failed (bad status, bad accept key)
		return fault.New(fault.EWS, err)
	}

	switch fault.KindOf(err) {
	case fault.ECONNREFUSED, fault.ETIMEDOUT, fault.ECANCELED, fault.ECONNRESET:
		return fault.From(err)
	}
	return fault.New(fault.EWS, err)
}

// AcceptWSOptions configures a server-side upgrade completion.
type AcceptWSOptions struct {
	// Raw is the transport connection under the HTTP request, from the
	// server's ConnContext.
	Raw net.Conn

	// Response controls the upgrade outcome.  A nil value accepts.
	Response *WSResponseContext

	MaxMessageBytes int64
}

// AcceptWS completes a server-side upgrade.  When the response context
// carries a rejecting code, the request is answered with that status and no
// stream is produced.
func AcceptWS(w http.ResponseWriter, r *http.Request, opts AcceptWSOptions) (Stream, error) {
	if opts.Response != nil && opts.Response.Code != 0 &&
		opts.Response.Code != http.StatusSwitchingProtocols {
		for k, vs := range opts.Response.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		http.Error(w, http.StatusText(opts.Response.Code), opts.Response.Code)
		return nil, fault.New(fault.EWS,
			fmt.Errorf("upgrade rejected with status %d", opts.Response.Code))
	}

	if opts.Response != nil {
		for k, vs := range opts.Response.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fault.New(fault.EWS, err)
	}

	if opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(opts.MaxMessageBytes)
	}

	typ := WS
	if r.TLS != nil {
		typ = WSS
	}

	s := newWSStream(typ, conn, opts.Raw)
	if s.remote == nil {
		if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
			s.remote = addr
		}
	}
	return s, nil
}
