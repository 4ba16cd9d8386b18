// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xmidt-org/retry"
	"go.uber.org/zap"

	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/wire"
)

const waitFor = 5 * time.Second

// recorder is a channel-backed Handler for the end-to-end tests.
type recorder struct {
	name string

	onConnect func(Socket)

	connects    chan Socket
	disconnects chan disconnected
	messages    chan received
	errs        chan sendFailed
}

type disconnected struct {
	sock Socket
	err  error
}

type received struct {
	sock Socket
	msg  wire.Message
}

type sendFailed struct {
	sock Socket
	msg  wire.Message
	err  error
}

func newRecorder(name string) *recorder {
	return &recorder{
		name:        name,
		connects:    make(chan Socket, 8),
		disconnects: make(chan disconnected, 8),
		messages:    make(chan received, 8),
		errs:        make(chan sendFailed, 8),
	}
}

// deliveries never block the reactor; an overflowing recorder drops the
// event rather than wedging the loop for every other test
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func (r *recorder) OnConnect(s Socket) {
	if r.onConnect != nil {
		r.onConnect(s)
	}
	offer(r.connects, s)
}

func (r *recorder) OnDisconnect(s Socket, err error) {
	offer(r.disconnects, disconnected{sock: s, err: err})
}

func (r *recorder) OnMessage(s Socket, m wire.Message) {
	offer(r.messages, received{sock: s, msg: m})
}

func (r *recorder) OnError(s Socket, m wire.Message, err error) {
	offer(r.errs, sendFailed{sock: s, msg: m, err: err})
}

func (r *recorder) waitConnect(t *testing.T) Socket {
	t.Helper()
	select {
	case s := <-r.connects:
		return s
	case <-time.After(waitFor):
		t.Fatalf("%s: OnConnect not delivered", r.name)
		return Socket{}
	}
}

func (r *recorder) waitDisconnect(t *testing.T) disconnected {
	t.Helper()
	select {
	case d := <-r.disconnects:
		return d
	case <-time.After(waitFor):
		t.Fatalf("%s: OnDisconnect not delivered", r.name)
		return disconnected{}
	}
}

func (r *recorder) waitMessage(t *testing.T) received {
	t.Helper()
	select {
	case m := <-r.messages:
		return m
	case <-time.After(waitFor):
		t.Fatalf("%s: OnMessage not delivered", r.name)
		return received{}
	}
}

func (r *recorder) waitError(t *testing.T) sendFailed {
	t.Helper()
	select {
	case e := <-r.errs:
		return e
	case <-time.After(waitFor):
		t.Fatalf("%s: OnError not delivered", r.name)
		return sendFailed{}
	}
}

func (r *recorder) assertNoConnect(t *testing.T) {
	t.Helper()
	select {
	case <-r.connects:
		t.Fatalf("%s: unexpected OnConnect", r.name)
	default:
	}
}

// freePort grabs a port nothing is listening on.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func newLoop(t *testing.T) *reactor.Loop {
	t.Helper()
	loop := reactor.New(reactor.Logger(zap.NewNop()))
	t.Cleanup(loop.Shutdown)
	return loop
}

func startServer(t *testing.T, h Handler, opts ...Option) *Server {
	t.Helper()
	opts = append(opts, Logger(zap.NewNop()))
	srv, err := NewServer(h, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1", 0))
	t.Cleanup(srv.Stop)
	return srv
}

func newTestClient(t *testing.T, h Handler, opts ...Option) *Client {
	t.Helper()
	opts = append(opts, Logger(zap.NewNop()), ConnectTimeout(2*time.Second))
	c, err := NewClient(h, opts...)
	require.NoError(t, err)
	return c
}

func TestConnectRefused(t *testing.T) {
	assert := assert.New(t)

	ch := newRecorder("client")
	cl := newTestClient(t, ch, WithReactor(newLoop(t)))

	cs := cl.NewSocket("127.0.0.1", freePort(t))
	require.NoError(t, cs.Connect())

	d := ch.waitDisconnect(t)
	assert.True(d.sock.Equal(cs))
	assert.True(errors.Is(d.err, fault.ECONNREFUSED))
	ch.assertNoConnect(t)
	assert.Equal(Disconnected, cs.State())
}

func TestConnectTimeout(t *testing.T) {
	assert := assert.New(t)

	ch := newRecorder("client")
	cl := newTestClient(t, ch, WithReactor(newLoop(t)))

	// TEST-NET-1 is expected to black-hole; some environments answer
	// with an immediate routing error instead
	cs := cl.NewSocket("192.0.2.1", 10000)
	require.NoError(t, cs.Connect(time.Second))

	d := ch.waitDisconnect(t)
	ch.assertNoConnect(t)
	if fault.KindOf(d.err) != fault.ETIMEDOUT {
		t.Skipf("no black-hole route in this environment (got %v)", d.err)
	}
	assert.True(errors.Is(d.err, fault.ETIMEDOUT))
}

func TestConnectCancel(t *testing.T) {
	assert := assert.New(t)

	ch := newRecorder("client")
	cl := newTestClient(t, ch, WithReactor(newLoop(t)))

	cs := cl.NewSocket("192.0.2.1", 10000)
	require.NoError(t, cs.Connect(30*time.Second))
	// the dial may have already failed on its own; either way the
	// terminal callback carries a transport error
	_ = cs.Disconnect()

	d := ch.waitDisconnect(t)
	assert.Error(d.err)
	ch.assertNoConnect(t)
}

func TestConnectEalreadyAndDisconnectEalready(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)

	// disconnect before any connect: EALREADY, handler untouched
	assert.True(errors.Is(cs.Disconnect(), fault.EALREADY))

	require.NoError(t, cs.Connect())
	ch.waitConnect(t)
	sh.waitConnect(t)

	// connect while connected: EALREADY
	assert.True(errors.Is(cs.Connect(), fault.EALREADY))

	require.NoError(t, cs.Disconnect())
	ch.waitDisconnect(t)
	sh.waitDisconnect(t)
}

func TestServerSocketCannotDial(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)
	ss := sh.waitConnect(t)

	assert.True(errors.Is(ss.Connect(), fault.EINVAL))

	require.NoError(t, cs.Disconnect())
	ch.waitDisconnect(t)
	sh.waitDisconnect(t)
}

func TestDisconnectFromClient(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)
	sh.waitConnect(t)

	require.NoError(t, cs.Disconnect())

	cd := ch.waitDisconnect(t)
	assert.NoError(cd.err, "initiator sees an orderly close")

	sd := sh.waitDisconnect(t)
	assert.True(errors.Is(sd.err, fault.ECONNRESET), "peer sees a reset, got %v", sd.err)
}

func TestDisconnectFromServer(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)
	ss := sh.waitConnect(t)

	require.NoError(t, ss.Disconnect())

	sd := sh.waitDisconnect(t)
	assert.NoError(sd.err)

	cd := ch.waitDisconnect(t)
	assert.True(errors.Is(cd.err, fault.ECONNRESET), "got %v", cd.err)
}

func TestDisconnectInsideOnConnect(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	ch.onConnect = func(s Socket) {
		assert.NoError(s.Disconnect())
	}
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())

	ch.waitConnect(t)
	cd := ch.waitDisconnect(t)
	assert.NoError(cd.err)

	sh.waitConnect(t)
	sh.waitDisconnect(t)
}

func TestCrossThreadDisconnectDuringCallback(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	ch.onConnect = func(s Socket) {
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Disconnect()
		}()
		wg.Wait()

		// after the cross-thread disconnect the socket rejects
		// transport operations
		assert.True(errors.Is(s.SetSockOpt(1, 9, 1), fault.ENOTCONN))
	}
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())

	ch.waitConnect(t)
	cd := ch.waitDisconnect(t)
	assert.NoError(cd.err)

	sh.waitConnect(t)
	sh.waitDisconnect(t)
}

func TestReconnectInsideOnDisconnect(t *testing.T) {
	assert := assert.New(t)

	port := freePort(t)

	disconnects := make(chan error, 4)
	var first sync.Once
	handler := HandlerFuncs{
		Disconnect: func(s Socket, err error) {
			disconnects <- err
			// redialing from the terminal callback must not deadlock
			first.Do(func() {
				assert.NoError(s.Connect())
			})
		},
	}
	cl := newTestClient(t, handler, WithReactor(newLoop(t)))

	cs := cl.NewSocket("127.0.0.1", port)
	require.NoError(t, cs.Connect())

	for i := 0; i < 2; i++ {
		select {
		case err := <-disconnects:
			assert.True(errors.Is(err, fault.ECONNREFUSED))
		case <-time.After(waitFor):
			t.Fatal("reconnect cycle stalled")
		}
	}
}

func TestFreshHandleInsideOnDisconnect(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	// first socket targets a dead port; from its terminal callback a
	// brand new handle dials the live server
	var once sync.Once
	second := make(chan Socket, 1)
	handler := HandlerFuncs{
		Connect: func(s Socket) { ch.connects <- s },
		Disconnect: func(s Socket, err error) {
			once.Do(func() {
				ns := cl.NewSocket("127.0.0.1", srv.Addr().Port)
				second <- ns
				assert.NoError(ns.Connect())
			})
			ch.disconnects <- disconnected{sock: s, err: err}
		},
	}
	cl2 := newTestClient(t, handler)

	dead := cl2.NewSocket("127.0.0.1", freePort(t))
	require.NoError(t, dead.Connect())

	d := ch.waitDisconnect(t)
	assert.True(errors.Is(d.err, fault.ECONNREFUSED))

	got := ch.waitConnect(t)
	ns := <-second
	assert.True(got.Equal(ns))
	assert.False(got.Equal(dead))

	sh.waitConnect(t)
	require.NoError(t, ns.Disconnect())
	ch.waitDisconnect(t)
	sh.waitDisconnect(t)
}

func TestRequestResponse(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	echo := HandlerFuncs{
		Connect: sh.OnConnect,
		Message: func(s Socket, m wire.Message) {
			if req, ok := m.(wire.Request); ok {
				assert.NoError(s.Send(wire.Response{
					ID:     req.ID,
					Result: req.Params,
				}))
			}
		},
		Disconnect: sh.OnDisconnect,
	}
	srv := startServer(t, echo)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)

	id, err := cs.SendRequest(wire.Request{
		Method: "echo",
		Params: []any{"payload"},
	})
	require.NoError(t, err)

	got := ch.waitMessage(t)
	resp, ok := got.msg.(wire.Response)
	require.True(t, ok)
	assert.Equal(id, resp.ID)
	assert.Equal([]any{"payload"}, resp.Result)
	assert.Zero(cs.Outstanding())

	require.NoError(t, cs.Disconnect())
	ch.waitDisconnect(t)
}

func TestRequestTimeoutAndLateResponseDiscarded(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	late := HandlerFuncs{
		Connect: sh.OnConnect,
		Message: func(s Socket, m wire.Message) {
			if req, ok := m.(wire.Request); ok {
				go func() {
					time.Sleep(400 * time.Millisecond)
					_ = s.Send(wire.Response{ID: req.ID, Result: "too late"})
				}()
			}
		},
		Disconnect: sh.OnDisconnect,
	}
	srv := startServer(t, late)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)

	_, err := cs.SendRequestTimeout(wire.Request{Method: "slow"}, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(1, cs.Outstanding())

	e := ch.waitError(t)
	assert.True(errors.Is(e.err, fault.ETIMEDOUT))
	req, ok := e.msg.(wire.Request)
	require.True(t, ok)
	assert.Equal("slow", req.Method)
	assert.Zero(cs.Outstanding())

	// the late response must be dropped silently
	select {
	case m := <-ch.messages:
		t.Fatalf("late response was delivered: %#v", m.msg)
	case <-time.After(700 * time.Millisecond):
	}

	require.NoError(t, cs.Disconnect())
	ch.waitDisconnect(t)
}

func TestOutstandingRequestsSeveredBeforeDisconnect(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	var order []string
	orderly := HandlerFuncs{
		Connect: func(s Socket) { order = append(order, "connect") },
		Error: func(s Socket, m wire.Message, err error) {
			if errors.Is(err, fault.ECONNRESET) {
				order = append(order, "severed")
			}
		},
		Disconnect: func(s Socket, err error) {
			order = append(order, "disconnect")
		},
	}
	chDone := make(chan struct{})
	tracked := HandlerFuncs{
		Connect: orderly.Connect,
		Error:   orderly.Error,
		Disconnect: func(s Socket, err error) {
			orderly.Disconnect(s, err)
			close(chDone)
		},
	}

	cl := newTestClient(t, tracked)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ss := sh.waitConnect(t)

	// give the client's OnConnect a moment to land
	time.Sleep(100 * time.Millisecond)

	// two requests the server will never answer
	_, err := cs.SendRequestTimeout(wire.Request{Method: "one"}, 0)
	require.NoError(t, err)
	_, err = cs.SendRequestTimeout(wire.Request{Method: "two"}, 0)
	require.NoError(t, err)
	assert.Equal(2, cs.Outstanding())

	require.NoError(t, ss.Disconnect())

	select {
	case <-chDone:
	case <-time.After(waitFor):
		t.Fatal("client never saw the disconnect")
	}

	// completions precede the terminal callback
	assert.Equal([]string{"connect", "severed", "severed", "disconnect"}, order)
	assert.Zero(cs.Outstanding())
}

func TestUnmatchedResponseDropped(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch)

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)
	ss := sh.waitConnect(t)

	// a response nothing asked for
	require.NoError(t, ss.Send(wire.Response{ID: 4242, Result: "orphan"}))

	select {
	case m := <-ch.messages:
		t.Fatalf("orphan response was delivered: %#v", m.msg)
	case <-time.After(500 * time.Millisecond):
	}

	// notifies still pass
	require.NoError(t, ss.Send(wire.Notify{Method: "evt", Params: []any{}}))
	got := ch.waitMessage(t)
	n, ok := got.msg.(wire.Notify)
	require.True(t, ok)
	assert.Equal("evt", n.Method)

	require.NoError(t, cs.Disconnect())
	ch.waitDisconnect(t)
}

func TestReactorShutdownCancelsLiveSockets(t *testing.T) {
	assert := assert.New(t)

	loop := reactor.New(reactor.Logger(zap.NewNop()))

	sh := newRecorder("server")
	srv := startServer(t, sh)

	ch := newRecorder("client")
	cl := newTestClient(t, ch, WithReactor(loop))

	cs := cl.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs.Connect())
	ch.waitConnect(t)

	loop.Shutdown()

	d := ch.waitDisconnect(t)
	assert.True(errors.Is(d.err, fault.ECANCELED))
	assert.Equal(Disconnected, cs.State())

	// the spent core rejects further traffic
	assert.True(errors.Is(cs.Send(wire.Notify{Method: "x"}), fault.ENOTCONN))
}

func TestGroupBroadcast(t *testing.T) {
	assert := assert.New(t)

	sh := newRecorder("server")
	var mu sync.Mutex
	joined := NewGroup()
	serverHandler := HandlerFuncs{
		Connect: func(s Socket) {
			mu.Lock()
			joined.Join("all", s)
			mu.Unlock()
			sh.connects <- s
		},
		Disconnect: sh.OnDisconnect,
	}
	srv := startServer(t, serverHandler)

	ch1 := newRecorder("client1")
	cl1 := newTestClient(t, ch1)
	ch2 := newRecorder("client2")
	cl2 := newTestClient(t, ch2)

	cs1 := cl1.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs1.Connect())
	ch1.waitConnect(t)
	sh.waitConnect(t)

	cs2 := cl2.NewSocket("127.0.0.1", srv.Addr().Port)
	require.NoError(t, cs2.Connect())
	ch2.waitConnect(t)
	sh.waitConnect(t)

	sent := joined.Broadcast("all", wire.Notify{Method: "tick", Params: []any{}})
	assert.Equal(2, sent)

	for _, ch := range []*recorder{ch1, ch2} {
		got := ch.waitMessage(t)
		n, ok := got.msg.(wire.Notify)
		require.True(t, ok)
		assert.Equal("tick", n.Method)
	}

	require.NoError(t, cs1.Disconnect())
	ch1.waitDisconnect(t)
	sh.waitDisconnect(t)

	// the dead member is pruned on the next broadcast
	require.Eventually(t, func() bool {
		return joined.Broadcast("all", wire.Notify{Method: "tock", Params: []any{}}) == 1
	}, waitFor, 50*time.Millisecond)

	require.NoError(t, cs2.Disconnect())
	ch2.waitDisconnect(t)
}

func TestRedialer(t *testing.T) {
	assert := assert.New(t)

	loop := newLoop(t)

	port := freePort(t)

	redialer := NewRedialer(retry.Config{
		Interval: 50 * time.Millisecond,
	}, loop)

	failures := make(chan error, 8)
	handler := HandlerFuncs{
		Disconnect: func(s Socket, err error) {
			failures <- err
			redialer.Arm(s)
		},
	}
	cl := newTestClient(t, handler, WithReactor(loop))

	cs := cl.NewSocket("127.0.0.1", port)
	require.NoError(t, cs.Connect())

	for i := 0; i < 3; i++ {
		select {
		case err := <-failures:
			assert.True(errors.Is(err, fault.ECONNREFUSED))
		case <-time.After(waitFor):
			t.Fatal("redialer stalled")
		}
	}

	redialer.Reset(cs)
}
