// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/httpauth"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/socket/event"
	"github.com/meshwire/meshwire/stream"
	"github.com/meshwire/meshwire/wire"
)

var ErrServerStarted = errors.New("server already started")

// Server accepts inbound sockets of one transport type and dispatches them
// to the shared handler.
type Server struct {
	cfg     config
	handler Handler
	guard   *httpauth.Guard

	mu      sync.Mutex
	ln      net.Listener
	httpSrv *http.Server
	sockets map[*handle]struct{}
	started bool

	wg sync.WaitGroup
}

// NewServer creates a socket factory for inbound connections.
func NewServer(handler Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrMisconfigured)
	}

	s := &Server{
		cfg:     defaultConfig(),
		handler: handler,
		sockets: make(map[*handle]struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			if err := opt.apply(&s.cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := s.cfg.validate(); err != nil {
		return nil, err
	}

	if s.cfg.loop == nil {
		s.cfg.loop = reactor.Shared()
	}
	if s.cfg.logger == nil {
		s.cfg.logger = defaultLogger()
	}

	s.guard = &httpauth.Guard{Mode: s.cfg.authMode, Realm: s.cfg.authRealm}

	return s, nil
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	if s.cfg.typ.Secure() {
		built, err := s.cfg.tls.Build(true)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, built)
	}

	s.ln = ln
	s.started = true
	s.cfg.logger.Debug("server listening",
		zap.String("transport", s.cfg.typ.String()),
		zap.String("addr", ln.Addr().String()))

	if s.cfg.typ.Framed() {
		type rawConnKey struct{}
		s.httpSrv = &http.Server{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				raw, _ := r.Context().Value(rawConnKey{}).(net.Conn)
				s.serveUpgrade(w, r, raw)
			}),
			ConnContext: func(ctx context.Context, conn net.Conn) context.Context {
				return context.WithValue(ctx, rawConnKey{}, conn)
			},
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.httpSrv.Serve(ln)
		}()
		return nil
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr reports the bound listener address.
func (s *Server) Addr() address.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return address.Undefined()
	}
	return address.FromNetAddr(s.ln.Addr())
}

// Stop closes the listener and disconnects every live socket.
func (s *Server) Stop() {
	s.mu.Lock()
	ln := s.ln
	httpSrv := s.httpSrv
	handles := make([]*handle, 0, len(s.sockets))
	for h := range s.sockets {
		handles = append(handles, h)
	}
	s.ln = nil
	s.httpSrv = nil
	s.started = false
	s.mu.Unlock()

	if httpSrv != nil {
		httpSrv.Close()
	} else if ln != nil {
		ln.Close()
	}

	for _, h := range handles {
		_ = h.current().disconnect()
	}

	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.adopt(conn)
	}
}

// adopt turns an accepted plain or TLS connection into a connected socket.
func (s *Server) adopt(conn net.Conn) {
	if tc, ok := conn.(handshaker); ok {
		// complete the TLS handshake before the socket surfaces, so a
		// failed client never produces a connect callback
		if err := tc.Handshake(); err != nil {
			s.cfg.logger.Debug("inbound TLS handshake failed", zap.Error(err))
			conn.Close()
			return
		}
	}

	h := s.newInboundHandle(address.FromNetAddr(conn.RemoteAddr()))
	c := h.current()
	c.registerShutdown()

	if !c.adoptStream(stream.NewNetStream(s.cfg.typ, conn)) {
		conn.Close()
		return
	}

	s.track(h)
	c.notifyConnectResult(nil)
	c.deliverConnect()
	c.startPumps(c.currentStream())
}

type handshaker interface {
	Handshake() error
}

// serveUpgrade is the WS/WSS accept path: authentication, the connect
// callback while the upgrade response is pending, then the upgrade itself.
func (s *Server) serveUpgrade(w http.ResponseWriter, r *http.Request, raw net.Conn) {
	ac := s.guard.Screen(r.Header.Get("Authorization"), r.Method)
	if ac == nil {
		w.Header().Set("WWW-Authenticate", s.guard.NewChallenge())
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h := s.newInboundHandle(remoteAddress(r, raw))
	c := h.current()
	c.mu.Lock()
	c.state = Connecting
	c.wsReq = stream.WSRequestContext{
		Path:          r.URL.Path,
		Headers:       r.Header.Clone(),
		Authorization: ac,
	}
	if r.TLS != nil {
		c.tlsSnap = r.TLS
	}
	c.mu.Unlock()
	c.registerShutdown()

	// the handler observes the socket mid-handshake and may shape the
	// response or reject by disconnecting
	if err := c.deliverConnectWait(); err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable),
			http.StatusServiceUnavailable)
		c.terminate(nil, false)
		return
	}

	if c.currentState() != Connecting {
		// the handler disconnected during OnConnect: the upgrade fails
		// on the client side, the local close is orderly
		http.Error(w, http.StatusText(http.StatusServiceUnavailable),
			http.StatusServiceUnavailable)
		c.terminate(nil, false)
		return
	}

	st, err := stream.AcceptWS(w, r, stream.AcceptWSOptions{
		Raw:             raw,
		Response:        c.responseContext(),
		MaxMessageBytes: s.cfg.maxMessageBytes,
	})
	if err != nil {
		s.cfg.logger.Debug("websocket upgrade failed", zap.Error(err))
		c.terminate(nil, false)
		return
	}

	if !c.adoptStream(st) {
		st.Close(false)
		return
	}

	s.track(h)
	c.notifyConnectResult(nil)
	c.startPumps(st)
}

func remoteAddress(r *http.Request, raw net.Conn) address.Address {
	if raw != nil {
		return address.FromNetAddr(raw.RemoteAddr())
	}
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		return address.FromNetAddr(addr)
	}
	return address.Undefined()
}

// newInboundHandle builds the handle for an accepted peer.  The server's
// handler is wrapped so membership is pruned when the epoch ends.
func (s *Server) newInboundHandle(peer address.Address) *handle {
	var h *handle
	h = newHandle(coreConfig{
		typ:             s.cfg.typ,
		peer:            peer,
		requestTimeout:  s.cfg.requestTimeout,
		sendTimeout:     s.cfg.sendTimeout,
		maxMessageBytes: s.cfg.maxMessageBytes,
		tls:             s.cfg.tls,
		loop:            s.cfg.loop,
		logger:          s.cfg.logger,
		handler: HandlerFuncs{
			Connect: s.handler.OnConnect,
			Message: s.handler.OnMessage,
			Error:   s.handler.OnError,
			Disconnect: func(sock Socket, err error) {
				s.untrack(h)
				s.handler.OnDisconnect(sock, err)
			},
		},
		observers:  &s.cfg.observers,
		serverSide: true,
	})
	return h
}

func (s *Server) track(h *handle) {
	s.mu.Lock()
	s.sockets[h] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(h *handle) {
	s.mu.Lock()
	delete(s.sockets, h)
	s.mu.Unlock()
}

// AddConnectListener adds a connect listener after construction.
func (s *Server) AddConnectListener(l event.ConnectListener) event.CancelFunc {
	return s.cfg.observers.addConnect(l)
}

// AddDisconnectListener adds a disconnect listener after construction.
func (s *Server) AddDisconnectListener(l event.DisconnectListener) event.CancelFunc {
	return s.cfg.observers.addDisconnect(l)
}

// AddMessageListener adds a message listener after construction.
func (s *Server) AddMessageListener(l event.MsgListener) event.CancelFunc {
	return s.cfg.observers.addMessage(l)
}

// Broadcast sends a notify to every live socket.
func (s *Server) Broadcast(n wire.Notify) {
	s.mu.Lock()
	handles := make([]*handle, 0, len(s.sockets))
	for h := range s.sockets {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.current().send(n); err != nil {
			s.cfg.logger.Debug("broadcast skipped a socket", zap.Error(err))
		}
	}
}
