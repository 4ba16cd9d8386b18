// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"github.com/meshwire/meshwire/wire"
)

// Handler is the delegate every Client and Server dispatches to.  All four
// callbacks run on the reactor goroutine, strictly serialized per socket;
// they may call back into the socket (including Disconnect and Connect)
// without deadlocking.
type Handler interface {
	// OnConnect is delivered once per successful connection attempt.  On
	// the server side of a WebSocket upgrade it runs while the upgrade
	// response is still pending, so the handler can inspect the
	// authorization and shape the response context.
	OnConnect(Socket)

	// OnDisconnect is the terminal callback of an epoch, delivered
	// exactly once.  err is nil when the local side closed the
	// connection deliberately.
	OnDisconnect(Socket, error)

	// OnMessage is delivered for every decoded inbound message,
	// including the responses to outstanding requests.
	OnMessage(Socket, wire.Message)

	// OnError reports send-side failures: a request that timed out, was
	// severed by a disconnect, or a message that could not be written.
	OnError(Socket, wire.Message, error)
}

// HandlerFuncs adapts plain functions to the Handler interface.  Nil fields
// are ignored.
type HandlerFuncs struct {
	Connect    func(Socket)
	Disconnect func(Socket, error)
	Message    func(Socket, wire.Message)
	Error      func(Socket, wire.Message, error)
}

var _ Handler = HandlerFuncs{}

func (h HandlerFuncs) OnConnect(s Socket) {
	if h.Connect != nil {
		h.Connect(s)
	}
}

func (h HandlerFuncs) OnDisconnect(s Socket, err error) {
	if h.Disconnect != nil {
		h.Disconnect(s, err)
	}
}

func (h HandlerFuncs) OnMessage(s Socket, m wire.Message) {
	if h.Message != nil {
		h.Message(s, m)
	}
}

func (h HandlerFuncs) OnError(s Socket, m wire.Message, err error) {
	if h.Error != nil {
		h.Error(s, m, err)
	}
}
