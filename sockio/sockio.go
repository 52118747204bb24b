// Package sockio wraps raw socket send/receive with transparent retry on
// interrupted system calls. The helpers are written against small capability
// interfaces so they work uniformly over anything that exposes the byte-level
// socket operations.
package sockio

import (
	"syscall"

	zmq "github.com/pebbe/zmq4"
)

// Sender is the send capability of a socket.
type Sender interface {
	SendBytes(data []byte, flags zmq.Flag) (int, error)
}

// Receiver is the receive capability of a socket.
type Receiver interface {
	RecvBytes(flags zmq.Flag) ([]byte, error)
}

// Send transmits data, retrying while the underlying call is interrupted by a
// signal. Every other error is returned unchanged.
func Send(s Sender, data []byte, flags zmq.Flag) (int, error) {
	for {
		n, err := s.SendBytes(data, flags)
		if err != nil && isInterrupted(err) {
			continue
		}
		return n, err
	}
}

// Recv reads one message, retrying while the underlying call is interrupted
// by a signal. Every other error is returned unchanged.
func Recv(r Receiver, flags zmq.Flag) ([]byte, error) {
	for {
		data, err := r.RecvBytes(flags)
		if err != nil && isInterrupted(err) {
			continue
		}
		return data, err
	}
}

func isInterrupted(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EINTR)
}

// IsWouldBlock reports whether err signals that a non-blocking operation
// could not complete, or that a receive timeout elapsed.
func IsWouldBlock(err error) bool {
	return err != nil && zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

// IsContextTerminated reports whether err signals that the owning context was
// torn down.
func IsContextTerminated(err error) bool {
	return err != nil && zmq.AsErrno(err) == zmq.ETERM
}
