// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the observer notifications a Client or Server fans
// out alongside the primary handler callbacks.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/wire"
)

// CancelFunc removes the associated listener and cancels any future events
// sent to it.
//
// A CancelFunc is idempotent: after the first invocation, calling this
// closure will have no effect.
type CancelFunc func()

// Connect is the event sent when a connection attempt completes, in either
// direction.
type Connect struct {
	// Started holds the time when the connection attempt was started.
	Started time.Time

	// At holds the time when the connection was made/errored out.
	At time.Time

	// Peer is the remote endpoint.
	Peer address.Address

	// Transport names the stream variant (tcp, tls, ws, wss).
	Transport string

	// Err is the error returned from the attempt to connect.
	Err error
}

func (c Connect) String() string {
	var buf strings.Builder
	buf.WriteString("Connect{\n")
	fmt.Fprintf(&buf, "  Started:   %s\n", c.Started.Format(time.RFC3339Nano))
	fmt.Fprintf(&buf, "  At:        %s (%s)\n", c.At.Format(time.RFC3339Nano), c.At.Sub(c.Started))
	fmt.Fprintf(&buf, "  Peer:      %s\n", c.Peer)
	fmt.Fprintf(&buf, "  Transport: %s\n", c.Transport)
	if c.Err != nil {
		fmt.Fprintf(&buf, "  Err:       %s\n", c.Err)
	}
	buf.WriteString("}")

	return buf.String()
}

// ConnectListener is the interface that must be implemented by types that
// want to receive Connect notifications.
type ConnectListener interface {
	OnConnect(Connect)
}

// ConnectListenerFunc is a function type that implements ConnectListener.
// It can be used as an adapter for functions that need to implement the
// ConnectListener interface.
type ConnectListenerFunc func(Connect)

func (f ConnectListenerFunc) OnConnect(c Connect) {
	f(c)
}

// Disconnect is the event that is sent when a connection is closed.
type Disconnect struct {
	// At holds the time when the connection was closed.
	At time.Time

	// Peer is the remote endpoint.
	Peer address.Address

	// Err is the error that closed the connection; nil for a local,
	// orderly close.
	Err error
}

// DisconnectListener is the interface that must be implemented by types
// that want to receive Disconnect notifications.
type DisconnectListener interface {
	OnDisconnect(Disconnect)
}

// DisconnectListenerFunc is a function type that implements
// DisconnectListener.  It can be used as an adapter for functions that need
// to implement the DisconnectListener interface.
type DisconnectListenerFunc func(Disconnect)

func (f DisconnectListenerFunc) OnDisconnect(d Disconnect) {
	f(d)
}

// MsgListener is the interface that must be implemented by types that want
// to receive wire.Message notifications.
type MsgListener interface {
	OnMessage(wire.Message)
}

// MsgListenerFunc is a function type that implements MsgListener.  It can
// be used as an adapter for functions that need to implement the
// MsgListener interface.
type MsgListenerFunc func(wire.Message)

func (f MsgListenerFunc) OnMessage(m wire.Message) {
	f(m)
}
