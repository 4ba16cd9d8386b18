// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"sync"

	"github.com/xmidt-org/retry"

	"github.com/meshwire/meshwire/fault"
	"github.com/meshwire/meshwire/reactor"
)

// Redialer schedules reconnects for sockets whose owner asked for them.
// The library never reconnects on its own: the owner arms the redialer for
// a socket (typically from OnDisconnect) and calls Reset after a successful
// connect to restart the backoff.
type Redialer struct {
	policyFactory retry.PolicyFactory
	loop          *reactor.Loop

	mu       sync.Mutex
	policies map[*handle]retry.Policy
}

// NewRedialer builds a redialer that paces attempts with the given policy
// factory and schedules them on the loop.
func NewRedialer(pf retry.PolicyFactory, loop *reactor.Loop) *Redialer {
	if loop == nil {
		loop = reactor.Shared()
	}
	return &Redialer{
		policyFactory: pf,
		loop:          loop,
		policies:      make(map[*handle]retry.Policy),
	}
}

// Arm schedules the next connect attempt for the socket, spacing repeated
// attempts per the retry policy.  Call it from OnDisconnect.
func (r *Redialer) Arm(s Socket) {
	if s.IsZero() {
		return
	}

	r.mu.Lock()
	policy, ok := r.policies[s.h]
	if !ok {
		policy = r.policyFactory.NewPolicy(context.Background())
		r.policies[s.h] = policy
	}
	r.mu.Unlock()

	delay, ok := policy.Next()
	if !ok {
		r.Reset(s)
		return
	}

	_, _ = r.loop.Schedule(delay, func() {
		err := s.Connect()
		if err != nil && fault.KindOf(err) != fault.EALREADY {
			// the handle cannot dial (e.g. server side); stop pacing it
			r.Reset(s)
		}
	})
}

// Reset clears the backoff state for the socket.  Call it from OnConnect
// so the next failure starts from a fresh policy.
func (r *Redialer) Reset(s Socket) {
	if s.IsZero() {
		return
	}
	r.mu.Lock()
	delete(r.policies, s.h)
	r.mu.Unlock()
}
