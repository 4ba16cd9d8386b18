// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"time"

	"github.com/xmidt-org/eventor"

	"github.com/meshwire/meshwire/address"
	"github.com/meshwire/meshwire/socket/event"
	"github.com/meshwire/meshwire/wire"
)

// observers fans events out to registered listeners.  A Client or Server
// owns one set, shared by every socket it produces.
type observers struct {
	connect    eventor.Eventor[event.ConnectListener]
	disconnect eventor.Eventor[event.DisconnectListener]
	message    eventor.Eventor[event.MsgListener]
}

func (o *observers) addConnect(l event.ConnectListener) event.CancelFunc {
	return event.CancelFunc(o.connect.Add(l))
}

func (o *observers) addDisconnect(l event.DisconnectListener) event.CancelFunc {
	return event.CancelFunc(o.disconnect.Add(l))
}

func (o *observers) addMessage(l event.MsgListener) event.CancelFunc {
	return event.CancelFunc(o.message.Add(l))
}

func (o *observers) notifyConnect(started time.Time, peer address.Address, transport string, err error) {
	if o == nil {
		return
	}
	e := event.Connect{
		Started:   started,
		At:        time.Now(),
		Peer:      peer,
		Transport: transport,
		Err:       err,
	}
	o.connect.Visit(func(l event.ConnectListener) {
		l.OnConnect(e)
	})
}

func (o *observers) notifyDisconnect(peer address.Address, err error) {
	if o == nil {
		return
	}
	e := event.Disconnect{
		At:   time.Now(),
		Peer: peer,
		Err:  err,
	}
	o.disconnect.Visit(func(l event.DisconnectListener) {
		l.OnDisconnect(e)
	})
}

func (o *observers) notifyMessage(m wire.Message) {
	if o == nil {
		return
	}
	o.message.Visit(func(l event.MsgListener) {
		l.OnMessage(m)
	})
}
