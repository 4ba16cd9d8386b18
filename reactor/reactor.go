// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

// Package reactor runs the background dispatch loop that serializes every
// callback the library delivers.  Streams perform blocking I/O on their own
// pump goroutines and publish completions here; the loop also owns the
// monotonic timer heap used for connect and request deadlines.
package reactor

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

var ErrLoopClosed = errors.New("reactor loop closed")

// defaultLogger builds the sallust default zap logger, falling back to the
// no-op logger if construction fails.
func defaultLogger() *zap.Logger {
	logger, err := sallust.Config{}.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Loop is a single-goroutine dispatcher.  All functions given to Post and
// Schedule run on the loop goroutine, one at a time: posted functions in
// submission order, scheduled ones in deadline order.
type Loop struct {
	logger  *zap.Logger
	nowFunc func() time.Time

	mu     sync.Mutex
	cmds   *queue.Queue
	closed bool

	wake   chan struct{}
	stop   chan struct{}
	joined chan struct{}

	// timers are owned by the run goroutine; hookSeq and hooks are
	// guarded by hooksMu
	timers    timerHeap
	hookSeq   int
	hooks     map[int]func()
	hooksMu   sync.Mutex
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Loop.
type Option interface {
	apply(*Loop)
}

type optionFunc func(*Loop)

func (f optionFunc) apply(l *Loop) { f(l) }

// Logger sets the logger used by the loop.
func Logger(logger *zap.Logger) Option {
	return optionFunc(func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	})
}

// NowFunc overrides the clock, for tests.
func NowFunc(f func() time.Time) Option {
	return optionFunc(func(l *Loop) {
		if f != nil {
			l.nowFunc = f
		}
	})
}

// New creates a Loop and starts its goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger:  defaultLogger(),
		nowFunc: time.Now,
		cmds:    queue.New(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		joined:  make(chan struct{}),
		hooks:   make(map[int]func()),
	}

	for _, opt := range opts {
		if opt != nil {
			opt.apply(l)
		}
	}

	go l.run()
	return l
}

var (
	sharedOnce sync.Once
	shared     *Loop
)

// Shared returns the process-wide loop, creating it on first use.  Clients
// and servers use it unless constructed with their own loop.
func Shared() *Loop {
	sharedOnce.Do(func() {
		shared = New()
	})
	return shared
}

// Post enqueues fn to run on the loop goroutine.  It never blocks on the
// loop's progress, so it is safe to call from inside a dispatched callback.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.cmds.Add(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Timer is a handle to a scheduled callback.
type Timer struct {
	deadline time.Time
	fn       func()
	index    int

	mu    sync.Mutex
	state timerState
}

type timerState int

const (
	timerPending timerState = iota
	timerFired
	timerStopped
)

// Stop cancels the timer.  It reports whether the callback was prevented
// from running.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != timerPending {
		return false
	}
	t.state = timerStopped
	return true
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.state != timerPending {
		t.mu.Unlock()
		return
	}
	t.state = timerFired
	fn := t.fn
	t.mu.Unlock()

	fn()
}

// Schedule runs fn on the loop goroutine after d elapses.  The returned
// Timer may be stopped from any goroutine.
func (l *Loop) Schedule(d time.Duration, fn func()) (*Timer, error) {
	t := &Timer{
		deadline: l.nowFunc().Add(d),
		fn:       fn,
	}
	err := l.Post(func() {
		heap.Push(&l.timers, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// OnShutdown registers fn to run on the loop goroutine when the loop shuts
// down.  The returned function unregisters it.
func (l *Loop) OnShutdown(fn func()) func() {
	l.hooksMu.Lock()
	l.hookSeq++
	id := l.hookSeq
	l.hooks[id] = fn
	l.hooksMu.Unlock()

	return func() {
		l.hooksMu.Lock()
		delete(l.hooks, id)
		l.hooksMu.Unlock()
	}
}

// Shutdown stops the loop: pending timers are dropped, shutdown hooks run on
// the loop goroutine, queued commands are drained, and the goroutine joins.
// Shutdown is idempotent and safe from any goroutine except the loop itself.
func (l *Loop) Shutdown() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stop)
	})
	<-l.joined
}

func (l *Loop) run() {
	defer close(l.joined)

	idle := time.NewTimer(time.Hour)
	defer idle.Stop()

	for {
		l.drain()

		var timerC <-chan time.Time
		if next, ok := l.nextDeadline(); ok {
			wait := next.Sub(l.nowFunc())
			if wait <= 0 {
				l.fireDue()
				continue
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(wait)
			timerC = idle.C
		}

		select {
		case <-l.wake:
		case <-timerC:
			l.fireDue()
		case <-l.stop:
			l.finish()
			return
		}
	}
}

// drain runs every queued command.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if l.cmds.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.cmds.Remove().(func())
		l.mu.Unlock()

		fn()
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	for l.timers.Len() > 0 {
		t := l.timers[0]
		t.mu.Lock()
		stopped := t.state == timerStopped
		t.mu.Unlock()
		if !stopped {
			return t.deadline, true
		}
		heap.Pop(&l.timers)
	}
	return time.Time{}, false
}

func (l *Loop) fireDue() {
	now := l.nowFunc()
	for l.timers.Len() > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fire()
	}
}

func (l *Loop) finish() {
	l.logger.Debug("reactor shutting down")

	// timers never fire after shutdown
	for l.timers.Len() > 0 {
		heap.Pop(&l.timers).(*Timer).Stop()
	}

	l.hooksMu.Lock()
	hooks := make([]func(), 0, len(l.hooks))
	for _, fn := range l.hooks {
		hooks = append(hooks, fn)
	}
	l.hooks = map[int]func(){}
	l.hooksMu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	l.drain()
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
