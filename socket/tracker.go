// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"sort"
	"sync"

	"github.com/meshwire/meshwire/reactor"
	"github.com/meshwire/meshwire/wire"
)

// outstanding is one sent request awaiting its response, its timeout, or
// the disconnect that severs it.
type outstanding struct {
	id    uint32
	req   wire.Request
	timer *reactor.Timer
	seq   uint64
}

// tracker holds a socket's outstanding requests.  The locking order is
// always socket core mutex before tracker mutex; the tracker never calls
// out while holding its own lock.
type tracker struct {
	mu   sync.Mutex
	seq  uint64
	reqs map[uint32]*outstanding
}

// add registers a request under its id.  The timer may be nil when no
// timeout applies.
func (t *tracker) add(req wire.Request, timer *reactor.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reqs == nil {
		t.reqs = make(map[uint32]*outstanding)
	}
	t.seq++
	t.reqs[req.ID] = &outstanding{
		id:    req.ID,
		req:   req,
		timer: timer,
		seq:   t.seq,
	}
}

// attachTimer binds the timeout timer to an entry that is still
// outstanding.  If the entry is already gone the timer is stopped instead.
func (t *tracker) attachTimer(id uint32, timer *reactor.Timer) {
	t.mu.Lock()
	o, ok := t.reqs[id]
	if ok {
		o.timer = timer
	}
	t.mu.Unlock()

	if !ok && timer != nil {
		timer.Stop()
	}
}

// take removes and returns the entry for id.  The second return is false
// when no request with that id is outstanding — responses for such ids are
// dropped by the caller.
func (t *tracker) take(id uint32) (*outstanding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.reqs[id]
	if ok {
		delete(t.reqs, id)
	}
	return o, ok
}

// drain removes every entry, returned in submission order, stopping their
// timers.  Used when the socket disconnects.
func (t *tracker) drain() []*outstanding {
	t.mu.Lock()
	out := make([]*outstanding, 0, len(t.reqs))
	for _, o := range t.reqs {
		out = append(out, o)
	}
	t.reqs = nil
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	for _, o := range out {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	return out
}

// size reports the number of outstanding requests.
func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reqs)
}
