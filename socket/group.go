// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"sync"

	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/wire"
)

// Group holds named broadcast sets of sockets.  Membership is by handle
// identity.  A broadcast skips members that are connecting or
// disconnecting and drops members it finds disconnected, so a socket that
// reconnects after such a broadcast has to join again.
type Group struct {
	mu    sync.Mutex
	names map[string]map[*handle]Socket
}

// NewGroup creates an empty group registry.
func NewGroup() *Group {
	return &Group{
		names: make(map[string]map[*handle]Socket),
	}
}

// Join adds the socket to the named set.
func (g *Group) Join(name string, s Socket) {
	if s.IsZero() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.names[name]
	if !ok {
		set = make(map[*handle]Socket)
		g.names[name] = set
	}
	set[s.h] = s
}

// Leave removes the socket from the named set.
func (g *Group) Leave(name string, s Socket) {
	if s.IsZero() {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if set, ok := g.names[name]; ok {
		delete(set, s.h)
		if len(set) == 0 {
			delete(g.names, name)
		}
	}
}

// Members returns the sockets currently in the named set.
func (g *Group) Members(name string) []Socket {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.names[name]
	out := make([]Socket, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Broadcast sends the notify to every connected member of the named set
// and reports how many sends were accepted.  Members whose epoch has ended
// are dropped from the set.
func (g *Group) Broadcast(name string, n wire.Notify) int {
	members := g.Members(name)

	sent := 0
	for _, s := range members {
		err := s.Send(n)
		switch {
		case err == nil:
			sent++
		case fault.KindOf(err) == fault.ENOTCONN && s.State() == Disconnected:
			g.Leave(name, s)
		}
	}
	return sent
}
