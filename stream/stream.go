// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream provides the uniform transport abstraction under every
// socket: plain TCP, TLS, WebSocket, and WebSocket over TLS all expose the
// same read/write/close surface plus transport-specific capabilities.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/meshwire/meshwire/httpauth"
)

// Credentials and AuthorizationContext are the httpauth types, re-exported
// where the WS contexts surface them.
type (
	Credentials          = httpauth.Credentials
	AuthorizationContext = httpauth.AuthorizationContext
)

var (
	ErrStreamClosed = errors.New("stream closed")
	ErrNoRawConn    = errors.New("transport does not expose the raw connection")
)

// Type identifies the transport of a stream.
type Type int

const (
	TCP Type = iota
	TLS
	WS
	WSS
)

func (t Type) String() string {
	switch t {
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	case WS:
		return "ws"
	case WSS:
		return "wss"
	}
	return "unknown"
}

// Secure reports whether the transport runs over TLS.
func (t Type) Secure() bool {
	return t == TLS || t == WSS
}

// Framed reports whether the transport has its own message framing.
func (t Type) Framed() bool {
	return t == WS || t == WSS
}

// Stream is the uniform capability set over one connection.  Read returns
// the next chunk of transport bytes (for framed transports, exactly one
// message).  WebSocket streams honor context cancellation in Read and
// Write; net.Conn-backed streams honor only the context's deadline.
type Stream interface {
	Type() Type
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	// Close tears the connection down.  A graceful close performs the
	// transport's shutdown exchange first.
	Close(graceful bool) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetSockOpt(level, opt, value int) error
	// TLSState reports the handshake state for TLS-backed transports.
	TLSState() (tls.ConnectionState, bool)
}

// netStream adapts a net.Conn (plain or TLS) to the Stream interface.
type netStream struct {
	typ  Type
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	buf []byte
}

// NewNetStream wraps an established net.Conn.  For TLS the handshake must
// already be complete.
func NewNetStream(typ Type, conn net.Conn) Stream {
	return &netStream{
		typ:  typ,
		conn: conn,
		buf:  make([]byte, 32<<10),
	}
}

func (s *netStream) Type() Type { return s.typ }

func (s *netStream) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}

	n, err := s.conn.Read(s.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, nil
	}
	return nil, err
}

func (s *netStream) Write(ctx context.Context, p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	_, err := s.conn.Write(p)
	return err
}

type closeWriter interface {
	CloseWrite() error
}

func (s *netStream) Close(graceful bool) error {
	s.closeOnce.Do(func() {
		if graceful {
			if cw, ok := s.conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *netStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *netStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *netStream) SetSockOpt(level, opt, value int) error {
	return setSockOptConn(s.conn, level, opt, value)
}

func (s *netStream) TLSState() (tls.ConnectionState, bool) {
	if tc, ok := s.conn.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// rawConn digs the syscall.RawConn out of a net.Conn, unwrapping TLS.
func rawConn(conn net.Conn) (syscall.RawConn, error) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNoRawConn
	}
	return sc.SyscallConn()
}

// WSRequestContext carries the client side of the WebSocket upgrade: the
// request target, extra headers, and optional credentials used to answer an
// authentication challenge.  On the server it additionally carries the
// authorization the peer presented.
type WSRequestContext struct {
	Path    string
	Headers http.Header

	// Authenticate is used by clients when the server challenges.
	Authenticate Credentials

	// Authorization is populated on the server side from the upgrade
	// request.
	Authorization *AuthorizationContext
}

// WSResponseContext carries the server's upgrade response.  A handler may
// set Code inside its connect callback to override the outcome; any nonzero
// value other than http.StatusSwitchingProtocols rejects the upgrade, and
// zero accepts it.
type WSResponseContext struct {
	Code    int
	Headers http.Header
}
