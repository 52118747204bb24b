// Package poller multiplexes receive readiness across a set of sockets. A
// Poller keeps its sockets in registration order and reports the first ready
// one (or all ready ones) per wait. Waits end early when the process
// interrupt latch is raised or the owning context is torn down; Terminated
// tells the two exits apart from an ordinary timeout.
package poller

import (
	"errors"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/anterem/zactor/interrupt"
)

var (
	ErrNilSocket       = errors.New("poller: nil socket")
	ErrDuplicateSocket = errors.New("poller: socket already registered")
)

// Poller is an ordered registry of sockets waited on for receive readiness.
// It is not safe for concurrent use; Clone gives an independent registry
// snapshot over the same sockets.
type Poller struct {
	sockets       []*zmq.Socket
	interruptible bool
	terminated    bool
}

func New() *Poller {
	return &Poller{interruptible: true}
}

// Clone returns a poller with its own copy of the registry. Both pollers may
// observe the same socket as ready until one of them consumes the message.
func (p *Poller) Clone() *Poller {
	c := *p
	c.sockets = append([]*zmq.Socket(nil), p.sockets...)
	return &c
}

// Add appends the socket to the registry. Nil and already-registered sockets
// are rejected.
func (p *Poller) Add(s *zmq.Socket) error {
	if s == nil {
		return ErrNilSocket
	}
	for _, have := range p.sockets {
		if have == s {
			return ErrDuplicateSocket
		}
	}
	p.sockets = append(p.sockets, s)
	return nil
}

// Remove drops the socket from the registry. Absent sockets are a no-op.
func (p *Poller) Remove(s *zmq.Socket) {
	for i, have := range p.sockets {
		if have == s {
			p.sockets = append(p.sockets[:i], p.sockets[i+1:]...)
			return
		}
	}
}

// SetInterruptible controls whether a raised interrupt latch terminates the
// wait (the default) or is treated as a plain wakeup.
func (p *Poller) SetInterruptible(v bool) {
	p.interruptible = v
}

// Size returns the number of registered sockets.
func (p *Poller) Size() int {
	return len(p.sockets)
}

// Terminated reports whether the most recent wait ended because the interrupt
// latch was raised while the poller was interruptible, or because the
// underlying context was torn down. It is reset at the start of every wait.
func (p *Poller) Terminated() bool {
	return p.terminated
}

// Wait blocks until a socket is ready for receive and returns the first one
// in registration order. It returns nil when the timeout elapses or the wait
// was terminated. A negative timeout waits forever; zero polls.
func (p *Poller) Wait(timeout time.Duration) (*zmq.Socket, error) {
	ready, err := p.wait(timeout)
	if err != nil || len(ready) == 0 {
		return nil, err
	}
	return ready[0], nil
}

// WaitAll is Wait returning every ready socket, in registration order. An
// empty result is a valid outcome.
func (p *Poller) WaitAll(timeout time.Duration) ([]*zmq.Socket, error) {
	return p.wait(timeout)
}

func (p *Poller) wait(timeout time.Duration) ([]*zmq.Socket, error) {
	p.terminated = false
	if p.interruptible && interrupt.IsSet() {
		p.terminated = true
		return nil, nil
	}

	zp := zmq.NewPoller()
	for _, s := range p.sockets {
		zp.Add(s, zmq.POLLIN)
	}
	polled, err := zp.Poll(timeout)

	// The signal may have landed between the check above and the blocking
	// poll without waking it; the latch has to be consulted again.
	if p.interruptible && interrupt.IsSet() {
		p.terminated = true
		return nil, nil
	}
	if err != nil {
		switch zmq.AsErrno(err) {
		case zmq.ETERM:
			p.terminated = true
			return nil, nil
		case zmq.Errno(syscall.EINTR):
			if p.interruptible {
				p.terminated = true
			}
			return nil, nil
		default:
			return nil, err
		}
	}

	if len(polled) == 0 {
		return nil, nil
	}
	ready := make([]*zmq.Socket, 0, len(polled))
	for _, item := range polled {
		if item.Events&zmq.POLLIN != 0 {
			ready = append(ready, item.Socket)
		}
	}
	return ready, nil
}
