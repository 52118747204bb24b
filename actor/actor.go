// Package actor runs a user-supplied function on its own worker thread and
// talks to it over an in-process paired socket. Start and stop are
// synchronized with framed control signals; a worker that fails during
// initialization propagates its error back to the creator.
package actor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/anterem/zactor/log"
	"github.com/anterem/zactor/signal"
	"github.com/anterem/zactor/sockio"
)

// Func is the body of an actor. It receives the child endpoint of the actor's
// paired channel and owns it until it returns.
//
// As soon as its one-time initialization is done, Func must send a
// signal.Success frame on the endpoint; the creator's Start call blocks until
// that frame arrives. A nil return after that point yields a terminal success
// signal, a non-nil return (or a panic) yields a terminal failure signal with
// the error carried back to the creator. A zmq context-terminated error is
// the exception: it is neither recorded nor signalled, and the worker only
// closes its endpoint. After acknowledging startup, Func
// should keep processing messages until it receives a signal.Stop frame.
type Func func(*zmq.Socket) error

// DefaultCloseTimeout bounds how long Close waits for the worker.
const DefaultCloseTimeout = 100 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start on a started actor.
	ErrAlreadyStarted = errors.New("actor: already started")
	// ErrInitFailed is returned by Start when the worker reported failure
	// without recording a more specific error.
	ErrInitFailed = errors.New("actor: initialization failed")
)

// faultSlot carries a worker error across the thread boundary. It is shared
// between the actor and its (detached) worker and may outlive the actor.
type faultSlot struct {
	mu  sync.Mutex
	err error
}

func (f *faultSlot) store(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *faultSlot) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Actor owns the parent endpoint of a paired channel whose child endpoint is
// handed to a worker thread on Start. The zero value is not usable; construct
// with New. An Actor must only be used by the thread that created it.
type Actor struct {
	parent       *zmq.Socket
	child        *zmq.Socket
	fault        *faultSlot
	started      bool
	stopped      bool
	closeTimeout time.Duration
}

// New creates both endpoints inside ctx and wires them over a uniquely
// generated in-process address. No thread is started yet; ctx stays owned by
// the caller and must outlive the worker.
func New(ctx *zmq.Context) (*Actor, error) {
	parent, err := ctx.NewSocket(zmq.PAIR)
	if err != nil {
		return nil, fmt.Errorf("actor: create parent endpoint: %w", err)
	}
	child, err := ctx.NewSocket(zmq.PAIR)
	if err != nil {
		parent.Close()
		return nil, fmt.Errorf("actor: create child endpoint: %w", err)
	}
	a := &Actor{
		parent:       parent,
		child:        child,
		fault:        &faultSlot{},
		closeTimeout: DefaultCloseTimeout,
	}
	addr, err := a.bindUniqueAddress()
	if err != nil {
		parent.Close()
		child.Close()
		return nil, err
	}
	if err := child.Connect(addr); err != nil {
		parent.Close()
		child.Close()
		return nil, fmt.Errorf("actor: connect child endpoint: %w", err)
	}
	return a, nil
}

// bindUniqueAddress binds the parent endpoint to an address derived from the
// instance identity plus a random suffix, retrying on collision.
func (a *Actor) bindUniqueAddress() (string, error) {
	base := fmt.Sprintf("inproc://zactor-%p", a)
	for {
		addr := fmt.Sprintf("%s-%06d", base, rand.Intn(1000000))
		err := a.parent.Bind(addr)
		if err == nil {
			return addr, nil
		}
		if zmq.AsErrno(err) != zmq.Errno(syscall.EADDRINUSE) {
			return "", fmt.Errorf("actor: bind parent endpoint: %w", err)
		}
	}
}

// Start launches fn on a new worker thread, handing it the child endpoint,
// and blocks until the worker acknowledges its initialization. On a success
// acknowledgment Start returns nil. On anything else the actor is marked
// stopped, the parent endpoint is closed, and Start returns the worker's
// recorded error, or ErrInitFailed when there is none.
func (a *Actor) Start(fn Func) error {
	if a.started {
		return ErrAlreadyStarted
	}

	// Ownership of the child endpoint moves into the worker; from here on
	// the worker alone closes it.
	child := a.child
	a.child = nil
	go execute(fn, child, a.fault)
	a.started = true

	payload, err := sockio.Recv(a.parent, 0)
	if err == nil {
		if s, ok := signal.Parse(payload); ok && s.IsSuccess() {
			return nil
		}
		// The first frame must be a signal; anything else is an
		// initialization failure of the user function.
	}

	a.stopped = true
	a.parent.Close()
	if ferr := a.fault.load(); ferr != nil {
		return ferr
	}
	if err != nil {
		return fmt.Errorf("actor: failed to receive initialization signal: %w", err)
	}
	return ErrInitFailed
}

// Stop asks the worker to finish and waits up to timeout for its terminal
// signal. Negative means wait forever, zero means poll. Stop reports true
// when the worker is known to be done (or the actor never ran), false when
// the wait timed out and the worker may linger until its function returns.
// The parent endpoint is closed on every path; further calls are no-ops.
func (a *Actor) Stop(timeout time.Duration) bool {
	if !a.started || a.stopped {
		return true
	}

	if _, err := sockio.Send(a.parent, signal.Stop.Frame(), zmq.DONTWAIT); err != nil {
		// The worker already closed its endpoint.
		a.finish()
		return true
	}

	remaining := timeout
	start := time.Now()
	for {
		_ = a.parent.SetRcvtimeo(recvTimeout(remaining))
		payload, err := sockio.Recv(a.parent, 0)
		if err != nil {
			a.finish()
			return false
		}
		if _, ok := signal.Parse(payload); ok {
			break
		}
		// In-flight application payloads are drained until the worker's
		// terminal signal shows up.
		if timeout >= 0 {
			remaining = timeout - time.Since(start)
			if remaining < 0 {
				remaining = 0
			}
		}
	}

	a.finish()
	return true
}

// Close stops the actor, bounded by the close timeout, and swallows the
// outcome. Safe to call multiple times and on a never-started actor. When
// Close returns, every endpoint still owned by the actor is closed.
func (a *Actor) Close() {
	a.Stop(a.closeTimeout)
	if a.child != nil {
		// Start never ran; the child endpoint was never handed off.
		a.child.Close()
		a.child = nil
	}
	if !a.stopped {
		a.finish()
	}
}

func (a *Actor) finish() {
	a.stopped = true
	a.parent.Close()
}

// Socket returns the parent endpoint for exchanging application messages
// with the worker. Creator thread only.
func (a *Actor) Socket() *zmq.Socket { return a.parent }

func (a *Actor) IsStarted() bool { return a.started }
func (a *Actor) IsStopped() bool { return a.stopped }

// SetCloseTimeout changes how long Close waits for the worker.
func (a *Actor) SetCloseTimeout(d time.Duration) { a.closeTimeout = d }

// CloseTimeout returns the timeout Close will use.
func (a *Actor) CloseTimeout() time.Duration { return a.closeTimeout }

const maxRecvTimeout = time.Duration(math.MaxInt32) * time.Millisecond

func recvTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return -1
	}
	if d > maxRecvTimeout {
		return maxRecvTimeout
	}
	return d
}

// execute is the worker thread body: run the user function, emit the
// terminal signal, and always close the child endpoint. The close is what
// lets the parent side observe that the worker is gone.
func execute(fn Func, child *zmq.Socket, fault *faultSlot) {
	defer child.Close()

	err := runUser(fn, child)
	if err == nil {
		// Best effort: the parent endpoint may already be gone when the
		// stop handshake timed out, and a blocking send would strand the
		// worker forever.
		_, _ = sockio.Send(child, signal.Success.Frame(), zmq.DONTWAIT)
		return
	}
	if sockio.IsContextTerminated(err) {
		// The context is being torn down; nobody is left to notify.
		return
	}
	fault.store(err)
	_, _ = sockio.Send(child, signal.Failure.Frame(), zmq.DONTWAIT)
}

func runUser(fn Func, s *zmq.Socket) (err error) {
	defer func() {
		if v := recover(); v != nil {
			perr := &PanicError{Value: v, Stack: currentStack()}
			log.Errorw("actor: user function panicked", log.M{"panic": v, "stack": string(perr.Stack)})
			err = perr
		}
	}()
	return fn(s)
}
