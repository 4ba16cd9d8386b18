// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/stream"
	"github.com/meshwire/meshwire/wire"
)

// State is the lifecycle position of a socket core.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// core is one connection epoch.  The state mutex guards only the state
// fields; it is never held across a user callback or across blocking I/O.
// Callbacks are posted to the reactor loop, which serializes them.
type core struct {
	h *handle

	mu         sync.Mutex
	state      State
	st         stream.Stream
	localClose bool
	finished   bool
	dialCancel context.CancelFunc
	wsResp     *stream.WSResponseContext
	wsReq      stream.WSRequestContext
	tlsSnap    *tls.ConnectionState
	started    time.Time

	tracker tracker

	// read-side decoder, touched only by the read pump goroutine
	dec wire.Decoder

	writeCh   chan outbound
	writeStop chan struct{}
	stopOnce  sync.Once

	unregShutdown func()
}

type outbound struct {
	data []byte
	msg  wire.Message
}

func newCore(h *handle) *core {
	c := &core{
		h:         h,
		wsReq:     h.cfg.wsRequest,
		writeCh:   make(chan outbound, 64),
		writeStop: make(chan struct{}),
	}
	c.dec.MaxFrameBytes = int(h.cfg.maxMessageBytes)
	return c
}

// registerShutdown arranges for the epoch to end with ECANCELED if the
// reactor shuts down first.  Called when the epoch starts: at the start of
// a dial, or when a server takes on an accepted connection.
func (c *core) registerShutdown() {
	c.unregShutdown = c.h.cfg.loop.OnShutdown(func() {
		// the loop is tearing down on its own goroutine: deliver the
		// terminal callback inline
		c.terminate(fault.New(fault.ECANCELED), true)
	})
}

func (c *core) logger() *zap.Logger    { return c.h.cfg.logger }
func (c *core) loop() *reactor.Loop    { return c.h.cfg.loop }
func (c *core) handler() Handler       { return c.h.cfg.handler }
func (c *core) socket() Socket         { return Socket{h: c.h} }
func (c *core) transport() stream.Type { return c.h.cfg.typ }

// currentState reads the state under the mutex.
func (c *core) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// dial runs the outbound connection attempt.  The caller has already moved
// the state to Connecting.
func (c *core) dial(timeout time.Duration) {
	c.registerShutdown()

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.dialCancel = cancel
	c.started = time.Now()
	c.mu.Unlock()

	cfg := c.h.cfg
	d := stream.Dialer{
		Type:              cfg.typ,
		TLS:               cfg.tls,
		BindDevice:        cfg.bindDevice,
		ConnectTimeout:    timeout,
		KeepAliveInterval: cfg.keepAliveInterval,
		WSRequest:         &c.wsReq,
		HTTPClient:        cfg.httpClient,
		MaxMessageBytes:   cfg.maxMessageBytes,
	}

	go func() {
		st, err := d.Dial(ctx, cfg.peer)
		if err != nil {
			c.mu.Lock()
			canceled := c.state == Disconnecting
			c.mu.Unlock()
			if canceled {
				err = fault.New(fault.ECANCELED, err)
			}
			c.notifyConnectResult(err)
			c.terminate(err, false)
			return
		}

		c.mu.Lock()
		if c.state != Connecting {
			// disconnected while the dial was in flight
			c.mu.Unlock()
			st.Close(false)
			err := fault.New(fault.ECANCELED)
			c.notifyConnectResult(err)
			c.terminate(err, false)
			return
		}
		c.state = Connected
		c.st = st
		c.mu.Unlock()

		c.notifyConnectResult(nil)
		c.deliverConnect()
		c.startPumps(st)
	}()
}

func (c *core) notifyConnectResult(err error) {
	c.h.cfg.observers.notifyConnect(c.started, c.h.cfg.peer, c.transport().String(), err)
}

// adoptStream installs an inbound stream accepted by a server and moves the
// core to Connected.  It reports false when the core was torn down first.
func (c *core) adoptStream(st stream.Stream) bool {
	c.mu.Lock()
	if c.finished || (c.state != Connecting && c.state != Disconnected) {
		c.mu.Unlock()
		return false
	}
	c.state = Connected
	c.st = st
	c.started = time.Now()
	c.mu.Unlock()
	return true
}

// currentStream reads the live stream under the mutex.
func (c *core) currentStream() stream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// deliverConnect posts the connect callback.  Posting before the pumps
// start guarantees OnConnect precedes any OnMessage.
func (c *core) deliverConnect() {
	err := c.loop().Post(func() {
		c.handler().OnConnect(c.socket())
	})
	if err != nil {
		c.terminate(fault.New(fault.ECANCELED), false)
	}
}

// deliverConnectWait runs the connect callback on the loop and waits for it
// to return.  Used by the server-side WebSocket upgrade, where the handler
// may shape the pending upgrade response.
func (c *core) deliverConnectWait() error {
	done := make(chan struct{})
	err := c.loop().Post(func() {
		defer close(done)
		c.handler().OnConnect(c.socket())
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

func (c *core) startPumps(st stream.Stream) {
	go c.readPump(st)
	go c.writePump(st)
}

func (c *core) readPump(st stream.Stream) {
	ctx := context.Background()
	for {
		data, err := st.Read(ctx)
		if err != nil {
			c.mu.Lock()
			local := c.localClose
			c.mu.Unlock()

			switch {
			case local:
				c.terminate(nil, false)
			case stream.IsPeerClose(err):
				c.terminate(fault.New(fault.ECONNRESET, err), false)
			default:
				c.terminate(fault.From(err), false)
			}
			return
		}

		c.dec.Feed(data)
		for {
			msg, err := c.dec.Next()
			if err != nil {
				c.logger().Warn("dropping connection on codec failure",
					zap.Error(err))
				st.Close(false)
				c.terminate(fault.New(fault.EINVAL, err), false)
				return
			}
			if msg == nil {
				break
			}
			c.dispatch(msg)
		}
	}
}

// dispatch routes one inbound message through the loop.  Responses consume
// their outstanding entry first; unmatched response ids are dropped.
func (c *core) dispatch(msg wire.Message) {
	_ = c.loop().Post(func() {
		if resp, ok := msg.(wire.Response); ok {
			if _, matched := c.tracker.take(resp.ID); !matched {
				c.logger().Debug("dropping unmatched response",
					zap.Uint32("id", resp.ID))
				return
			}
		}
		c.handler().OnMessage(c.socket(), msg)
		c.h.cfg.observers.notifyMessage(msg)
	})
}

func (c *core) writePump(st stream.Stream) {
	for {
		select {
		case out := <-c.writeCh:
			ctx := context.Background()
			var cancel context.CancelFunc
			if d := c.h.cfg.sendTimeout; d > 0 {
				ctx, cancel = context.WithTimeout(ctx, d)
			}
			err := st.Write(ctx, out.data)
			if cancel != nil {
				cancel()
			}
			if err != nil {
				ferr := fault.From(err)
				if req, ok := out.msg.(wire.Request); ok {
					// a request completes once: whichever of this report
					// and the disconnect drain reaches the loop first
					// takes it from the tracker
					_ = c.loop().Post(func() {
						if o, taken := c.tracker.take(req.ID); taken {
							if o.timer != nil {
								o.timer.Stop()
							}
							c.handler().OnError(c.socket(), o.req, ferr)
						}
					})
				} else {
					c.deliverSendError(out.msg, ferr)
				}
				st.Close(false)
				// the read pump observes the closed stream and
				// finishes the epoch
				return
			}
		case <-c.writeStop:
			return
		}
	}
}

func (c *core) deliverSendError(msg wire.Message, err error) {
	_ = c.loop().Post(func() {
		c.handler().OnError(c.socket(), msg, err)
	})
}

// send enqueues a marshaled message for the write pump.
func (c *core) send(m wire.Message) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return fault.New(fault.ENOTCONN)
	}
	c.mu.Unlock()

	data, err := wire.Marshal(m)
	if err != nil {
		return fault.New(fault.EINVAL, err)
	}

	select {
	case c.writeCh <- outbound{data: data, msg: m}:
		return nil
	case <-c.writeStop:
		return fault.New(fault.ENOTCONN)
	}
}

// sendRequest allocates the request id, registers the outstanding entry
// with its timeout, and enqueues the write.
func (c *core) sendRequest(req wire.Request, timeout time.Duration) (uint32, error) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return 0, fault.New(fault.ENOTCONN)
	}
	c.mu.Unlock()

	req.ID = c.h.ids.Next()

	data, err := wire.Marshal(req)
	if err != nil {
		return 0, fault.New(fault.EINVAL, err)
	}

	c.tracker.add(req, nil)
	if timeout > 0 {
		id := req.ID
		timer, err := c.loop().Schedule(timeout, func() {
			if o, ok := c.tracker.take(id); ok {
				c.handler().OnError(c.socket(), o.req, fault.New(fault.ETIMEDOUT))
			}
		})
		if err == nil {
			c.tracker.attachTimer(id, timer)
		}
	}

	select {
	case c.writeCh <- outbound{data: data, msg: req}:
		return req.ID, nil
	case <-c.writeStop:
		if o, ok := c.tracker.take(req.ID); ok && o.timer != nil {
			o.timer.Stop()
		}
		return 0, fault.New(fault.ENOTCONN)
	}
}

// disconnect moves the core toward teardown.  See the state table: from
// Connected or Connecting it starts an orderly local close; from
// Disconnecting it is idempotent; from Disconnected it is EALREADY.
func (c *core) disconnect() error {
	c.mu.Lock()
	switch c.state {
	case Disconnected:
		c.mu.Unlock()
		return fault.New(fault.EALREADY)

	case Disconnecting:
		c.mu.Unlock()
		return nil

	case Connecting:
		c.state = Disconnecting
		c.localClose = true
		cancel := c.dialCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case Connected:
		c.state = Disconnecting
		c.localClose = true
		st := c.st
		c.mu.Unlock()
		// teardown runs on the reactor, never inline with the caller
		if err := c.loop().Post(func() { st.Close(true) }); err != nil {
			st.Close(false)
		}
		return nil
	}
	c.mu.Unlock()
	return fault.New(fault.EINVAL)
}

// terminate finishes the epoch exactly once: outstanding requests complete
// with ECONNRESET, then the terminal disconnect callback is delivered.  err
// nil means an orderly local close.  When inline is set the callbacks run
// on the caller's goroutine (used only from the reactor's own shutdown).
func (c *core) terminate(err error, inline bool) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.state = Disconnected
	st := c.st
	c.st = nil
	cancel := c.dialCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.stopOnce.Do(func() { close(c.writeStop) })
	if c.unregShutdown != nil {
		c.unregShutdown()
	}

	deliver := func() {
		if st != nil {
			st.Close(false)
		}
		for _, o := range c.tracker.drain() {
			c.handler().OnError(c.socket(), o.req, fault.New(fault.ECONNRESET))
		}
		c.handler().OnDisconnect(c.socket(), err)
		c.h.cfg.observers.notifyDisconnect(c.h.cfg.peer, err)
	}

	if inline {
		deliver()
		return
	}
	if postErr := c.loop().Post(deliver); postErr != nil {
		// the loop is gone; the epoch still must end exactly once
		deliver()
	}
}

// setSockOpt applies a socket option to the live transport.
func (c *core) setSockOpt(level, opt, value int) error {
	c.mu.Lock()
	st := c.st
	ok := (c.state == Connecting || c.state == Connected) && st != nil
	c.mu.Unlock()

	if !ok {
		return fault.New(fault.ENOTCONN)
	}
	if err := st.SetSockOpt(level, opt, value); err != nil {
		return fault.New(fault.EINVAL, err)
	}
	return nil
}

// tlsState returns the handshake state for TLS-backed sockets, honoring
// the state gate shared by all certificate accessors.
func (c *core) tlsState() (tls.ConnectionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connecting && c.state != Connected {
		return tls.ConnectionState{}, fault.New(fault.ENOTCONN)
	}
	if c.st != nil {
		if state, ok := c.st.TLSState(); ok {
			return state, nil
		}
	}
	if c.tlsSnap != nil {
		return *c.tlsSnap, nil
	}
	return tls.ConnectionState{}, fault.New(fault.ENOTCONN)
}

func (c *core) setResponseContext(ctx stream.WSResponseContext) {
	c.mu.Lock()
	c.wsResp = &ctx
	c.mu.Unlock()
}

func (c *core) responseContext() *stream.WSResponseContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsResp
}

func (c *core) requestContext() stream.WSRequestContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wsReq
}
