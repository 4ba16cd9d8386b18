// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package socket is the user-facing surface of the library: reference
// handles over shared connection cores, the symmetric Client/Server
// factories that produce them, and the request tracking that rides on top.
package socket

import (
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/xmidt-org/arrange/arrangehttp"
	"go.uber.org/zap"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/stream"
	"github.com/meshwire/meshwire/tlscfg"
	"github.com/meshwire/meshwire/wire"
)

var ErrNoPeerCertificate = errors.New("peer certificate does not exist")

// coreConfig is the recipe a handle uses for each connection epoch.
type coreConfig struct {
	typ               stream.Type
	peer              address.Address
	bindDevice        string
	connectTimeout    time.Duration
	requestTimeout    time.Duration
	sendTimeout       time.Duration
	keepAliveInterval time.Duration
	maxMessageBytes   int64
	tls               *tlscfg.Config
	httpClient        arrangehttp.ClientConfig
	wsRequest         stream.WSRequestContext
	loop              *reactor.Loop
	logger            *zap.Logger
	handler           Handler
	observers         *observers
	serverSide        bool
}

// handle is the shared identity behind Socket values.  Each successful
// connect runs on a fresh core; the handle survives across epochs so user
// code can reconnect from inside OnDisconnect.
type handle struct {
	cfg coreConfig
	ids wire.IDSequence

	mu   sync.Mutex
	core *core
}

func newHandle(cfg coreConfig) *handle {
	h := &handle{cfg: cfg}
	h.core = newCore(h)
	return h
}

func (h *handle) current() *core {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.core
}

func (h *handle) connect(timeout time.Duration) error {
	if h.cfg.serverSide {
		// inbound sockets cannot redial their peer
		return fault.New(fault.EINVAL)
	}

	h.mu.Lock()
	c := h.core

	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		h.mu.Unlock()
		return fault.New(fault.EALREADY)
	}
	if c.finished {
		// a core never leaves Disconnected once it got there; a new
		// epoch needs a new core
		c.mu.Unlock()
		c = newCore(h)
		c.mu.Lock()
	}
	c.state = Connecting
	c.mu.Unlock()
	h.core = c
	h.mu.Unlock()

	c.dial(timeout)
	return nil
}

// Socket is a handle to a shared connection core.  Socket values are
// cheap to copy; two values are equal when they refer to the same handle.
type Socket struct {
	h *handle
}

// IsZero reports whether the socket is the zero value.
func (s Socket) IsZero() bool { return s.h == nil }

// Equal reports whether both handles refer to the same socket.
func (s Socket) Equal(o Socket) bool { return s.h == o.h }

// Type reports the transport variant of this socket.
func (s Socket) Type() stream.Type { return s.h.cfg.typ }

// State reports the current lifecycle state.
func (s Socket) State() State {
	return s.h.current().currentState()
}

// PeerAddr is the remote endpoint this socket talks to.
func (s Socket) PeerAddr() address.Address { return s.h.cfg.peer }

// SelfAddr is the local endpoint of the live connection, or the undefined
// address when there is none.
func (s Socket) SelfAddr() address.Address {
	c := s.h.current()
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	if st == nil {
		return address.Undefined()
	}
	return address.FromNetAddr(st.LocalAddr())
}

// Connect starts a connection attempt.  It is permitted only while
// disconnected; EALREADY is returned otherwise.  Sockets accepted by a
// Server cannot dial and always return EINVAL.  The outcome arrives as
// OnConnect or OnDisconnect.  An optional timeout overrides the
// configured connect timeout.
func (s Socket) Connect(timeout ...time.Duration) error {
	d := s.h.cfg.connectTimeout
	if len(timeout) > 0 {
		d = timeout[0]
	}
	return s.h.connect(d)
}

// Disconnect tears the connection down.  From Connected or Connecting it
// starts an orderly close and the terminal OnDisconnect follows; while a
// teardown is in flight it is a no-op; when already disconnected it
// returns EALREADY without invoking the handler.
func (s Socket) Disconnect() error {
	return s.h.current().disconnect()
}

// Send transmits a message.  The socket must be Connected.  Request
// messages are tracked: Send assigns the id, arms the configured request
// timeout, and the eventual Response (or failure) is routed through the
// handler.
func (s Socket) Send(m wire.Message) error {
	if req, ok := m.(wire.Request); ok {
		_, err := s.SendRequest(req)
		return err
	}
	return s.h.current().send(m)
}

// SendRequest transmits a request and returns the id assigned to it, using
// the configured request timeout.
func (s Socket) SendRequest(req wire.Request) (uint32, error) {
	return s.h.current().sendRequest(req, s.h.cfg.requestTimeout)
}

// SendRequestTimeout transmits a request with an explicit timeout.  A zero
// timeout leaves the request outstanding until a response or disconnect.
func (s Socket) SendRequestTimeout(req wire.Request, d time.Duration) (uint32, error) {
	return s.h.current().sendRequest(req, d)
}

// Outstanding reports the number of requests awaiting a response.
func (s Socket) Outstanding() int {
	return s.h.current().tracker.size()
}

// SetSockOpt applies a transport-level socket option.  Permitted only in
// Connecting or Connected; ENOTCONN otherwise.
func (s Socket) SetSockOpt(level, opt, value int) error {
	return s.h.current().setSockOpt(level, opt, value)
}

// AsTLS projects the socket as its TLS view.  Fails for transports that do
// not run over TLS.
func (s Socket) AsTLS() (TLSSocket, error) {
	if !s.h.cfg.typ.Secure() {
		return TLSSocket{}, fault.New(fault.EINVAL)
	}
	return TLSSocket{Socket: s}, nil
}

// AsWS projects the socket as its WebSocket view.
func (s Socket) AsWS() (WSSocket, error) {
	if !s.h.cfg.typ.Framed() {
		return WSSocket{}, fault.New(fault.EINVAL)
	}
	return WSSocket{Socket: s}, nil
}

// AsWSS projects the socket as its WebSocket-over-TLS view.
func (s Socket) AsWSS() (WSSSocket, error) {
	if s.h.cfg.typ != stream.WSS {
		return WSSSocket{}, fault.New(fault.EINVAL)
	}
	return WSSSocket{WSSocket: WSSocket{Socket: s}}, nil
}

// TLSSocket is the view exposing the certificate accessors.  All accessors
// are permitted only in Connecting or Connected.
type TLSSocket struct {
	Socket
}

// VerifyResult reports whether the peer certificate chain verified.
func (s TLSSocket) VerifyResult() error {
	state, err := s.h.current().tlsState()
	if err != nil {
		return err
	}
	if len(state.VerifiedChains) > 0 {
		return nil
	}
	return fault.New(fault.EX509, errors.New("peer not verified"))
}

// PresentPeerCertificate reports whether the peer presented a certificate.
// It returns false when the socket is not connected.
func (s TLSSocket) PresentPeerCertificate() bool {
	state, err := s.h.current().tlsState()
	if err != nil {
		return false
	}
	return len(state.PeerCertificates) > 0
}

// PeerCertificate returns the certificate the peer presented.
func (s TLSSocket) PeerCertificate() (*x509.Certificate, error) {
	state, err := s.h.current().tlsState()
	if err != nil {
		return nil, err
	}
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return state.PeerCertificates[0], nil
}

// PeerCertificateChain returns the full chain the peer presented.
func (s TLSSocket) PeerCertificateChain() ([]*x509.Certificate, error) {
	state, err := s.h.current().tlsState()
	if err != nil {
		return nil, err
	}
	if len(state.PeerCertificates) == 0 {
		return nil, ErrNoPeerCertificate
	}
	return state.PeerCertificates, nil
}

// WSSocket is the view exposing the upgrade contexts.
type WSSocket struct {
	Socket
}

// RequestContext returns the upgrade request context.  On the server side
// it carries the authorization the client presented.
func (s WSSocket) RequestContext() stream.WSRequestContext {
	return s.h.current().requestContext()
}

// SetResponseContext shapes the pending upgrade response.  Only
// meaningful inside OnConnect on the server side, before the upgrade
// completes.
func (s WSSocket) SetResponseContext(ctx stream.WSResponseContext) {
	s.h.current().setResponseContext(ctx)
}

// ResponseContext returns the response context, if one was set.
func (s WSSocket) ResponseContext() *stream.WSResponseContext {
	return s.h.current().responseContext()
}

// WSSSocket is the combined WebSocket-over-TLS view: upgrade contexts plus
// certificate accessors.
type WSSSocket struct {
	WSSocket
}

// VerifyResult reports whether the peer certificate chain verified.
func (s WSSSocket) VerifyResult() error {
	return TLSSocket{Socket: s.Socket}.VerifyResult()
}

// PresentPeerCertificate reports whether the peer presented a certificate.
func (s WSSSocket) PresentPeerCertificate() bool {
	return TLSSocket{Socket: s.Socket}.PresentPeerCertificate()
}

// PeerCertificate returns the certificate the peer presented.
func (s WSSSocket) PeerCertificate() (*x509.Certificate, error) {
	return TLSSocket{Socket: s.Socket}.PeerCertificate()
}

// PeerCertificateChain returns the full chain the peer presented.
func (s WSSSocket) PeerCertificateChain() ([]*x509.Certificate, error) {
	return TLSSocket{Socket: s.Socket}.PeerCertificateChain()
}
