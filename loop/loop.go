// Package loop layers timer scheduling on top of a poller and dispatches
// socket readiness and timer expirations to user callbacks from a single
// thread. The loop runs until a callback asks it to stop, both registries are
// empty, or the wait is terminated by an interrupt or context teardown.
package loop

import (
	"errors"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/anterem/zactor/poller"
)

// TimerID names a scheduled timer for the lifetime of its loop.
type TimerID uint64

// SocketHandler consumes readiness of one socket. Returning false exits the
// loop.
type SocketHandler func(*Loop, *zmq.Socket) bool

// TimerHandler consumes one timer expiration. Returning false exits the loop.
type TimerHandler func(*Loop, TimerID) bool

// ErrTimerIDExhausted is returned by AddTimer when every id value is held by
// a live timer. Practically unreachable, but ids are never silently reused.
var ErrTimerIDExhausted = errors.New("loop: timer id space exhausted")

type timer struct {
	id          TimerID
	period      time.Duration
	occurrences int // remaining fires; 0 means unbounded
	next        time.Time
	handler     TimerHandler
	removed     bool
}

// Loop drives socket and timer callbacks. It is single-threaded: Run and all
// mutators must be called from one thread, handlers run on the thread that
// called Run. Handlers may freely add and remove sockets and timers,
// including the ones currently firing.
type Loop struct {
	poller     *poller.Poller
	handlers   map[*zmq.Socket]SocketHandler
	timers     []*timer
	lastID     TimerID
	idWrapped  bool
	checkEvery time.Duration
}

func New() *Loop {
	return &Loop{
		poller:   poller.New(),
		handlers: make(map[*zmq.Socket]SocketHandler),
	}
}

// Add registers the socket with the inner poller and associates the handler.
func (l *Loop) Add(s *zmq.Socket, fn SocketHandler) error {
	if err := l.poller.Add(s); err != nil {
		return err
	}
	l.handlers[s] = fn
	return nil
}

// Remove unregisters the socket and forgets its handler. Unknown sockets are
// a no-op. Safe to call from any handler, including the socket's own.
func (l *Loop) Remove(s *zmq.Socket) {
	if _, ok := l.handlers[s]; !ok {
		return
	}
	delete(l.handlers, s)
	l.poller.Remove(s)
}

// AddTimer schedules fn to run every period, occurrences times in total
// (0 means forever). The first fire is one period from now. Timers added
// from inside a handler are considered from the next iteration onward.
func (l *Loop) AddTimer(period time.Duration, occurrences int, fn TimerHandler) (TimerID, error) {
	id, err := l.nextTimerID()
	if err != nil {
		return 0, err
	}
	l.timers = append(l.timers, &timer{
		id:          id,
		period:      period,
		occurrences: occurrences,
		next:        time.Now().Add(period),
		handler:     fn,
	})
	return id, nil
}

// RemoveTimer marks the timer for removal; the entry is pruned at the next
// iteration boundary, so a timer may remove itself or any other timer from
// within a handler without invalidating the dispatch pass.
func (l *Loop) RemoveTimer(id TimerID) {
	for _, t := range l.timers {
		if t.id == id {
			t.removed = true
			return
		}
	}
}

// Terminated mirrors the inner poller: true when the last wait ended due to
// an interrupt while interruptible, or context teardown.
func (l *Loop) Terminated() bool {
	return l.poller.Terminated()
}

// Run drives the loop until a handler returns false, both registries are
// empty, or the wait is terminated. With interruptible set, a raised
// interrupt latch ends the run.
func (l *Loop) Run(interruptible bool) error {
	return l.RunEvery(interruptible, -1)
}

// RunEvery is Run with a cap on how long the loop may sleep between latch
// checks. A non-positive checkEvery leaves the sleep uncapped; use a positive
// value on platforms where a signal does not wake the underlying poll.
func (l *Loop) RunEvery(interruptible bool, checkEvery time.Duration) error {
	l.poller.SetInterruptible(interruptible)
	l.checkEvery = checkEvery

	cont := true
	for cont {
		l.pruneTimers()
		if l.poller.Size() == 0 && len(l.timers) == 0 {
			return nil
		}

		ready, err := l.poller.WaitAll(l.nextTimeout(time.Now()))
		if err != nil {
			return err
		}
		if l.poller.Terminated() {
			return nil
		}

		now := time.Now()
		// range snapshots the slice header, so timers appended by a
		// handler are only seen from the next iteration.
		for _, t := range l.timers {
			if t.removed || t.next.After(now) {
				continue
			}
			if !t.handler(l, t.id) {
				cont = false
				break
			}
			if t.occurrences > 0 {
				t.occurrences--
				if t.occurrences == 0 {
					t.removed = true
					continue
				}
			}
			t.next = t.next.Add(t.period)
		}
		l.pruneTimers()

		if !cont {
			break
		}
		for _, s := range ready {
			fn, ok := l.handlers[s]
			if !ok {
				// removed by an earlier handler this iteration
				continue
			}
			if !fn(l, s) {
				cont = false
				break
			}
		}
	}
	return nil
}

// nextTimeout picks the wait duration: time to the earliest due timer,
// capped by checkEvery when positive. No timers and no cap means wait
// forever.
func (l *Loop) nextTimeout(now time.Time) time.Duration {
	timeout := time.Duration(-1)
	for _, t := range l.timers {
		if t.removed {
			continue
		}
		d := t.next.Sub(now)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	if l.checkEvery > 0 && (timeout < 0 || l.checkEvery < timeout) {
		timeout = l.checkEvery
	}
	return timeout
}

func (l *Loop) pruneTimers() {
	kept := l.timers[:0]
	for _, t := range l.timers {
		if !t.removed {
			kept = append(kept, t)
		}
	}
	l.timers = kept
}

// nextTimerID hands out monotone ids. After the counter has wrapped, a
// candidate is only handed out once it is verified not to alias a live
// timer; a full cycle with no free value fails.
func (l *Loop) nextTimerID() (TimerID, error) {
	if !l.idWrapped {
		l.lastID++
		if l.lastID != 0 {
			return l.lastID, nil
		}
		l.idWrapped = true
	}
	start := l.lastID
	for {
		l.lastID++
		if l.lastID != 0 && !l.idInUse(l.lastID) {
			return l.lastID, nil
		}
		if l.lastID == start {
			return 0, ErrTimerIDExhausted
		}
	}
}

func (l *Loop) idInUse(id TimerID) bool {
	for _, t := range l.timers {
		if t.id == id {
			return true
		}
	}
	return false
}
