// Package interrupt maintains a process-wide latch raised by the termination
// signals SIGINT and SIGTERM. Pollers check the latch cooperatively to turn a
// host-level interrupt into an orderly loop exit.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

var (
	latch atomic.Bool

	mu        sync.Mutex
	installed bool
	notify    chan os.Signal
	done      chan struct{}
)

// Install routes SIGINT and SIGTERM into the latch. The previous delivery
// disposition is restored by Restore. Calling Install again without an
// intervening Restore is a no-op.
func Install() {
	mu.Lock()
	defer mu.Unlock()
	if installed {
		return
	}
	notify = make(chan os.Signal, 1)
	done = make(chan struct{})
	signal.Notify(notify, syscall.SIGINT, syscall.SIGTERM)
	go relay(notify, done)
	installed = true
}

// Restore undoes Install, returning SIGINT and SIGTERM to their prior
// disposition. Does nothing if Install was never called, or was already
// undone.
func Restore() {
	mu.Lock()
	defer mu.Unlock()
	if !installed {
		return
	}
	signal.Stop(notify)
	close(done)
	installed = false
}

func relay(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-ch:
			latch.Store(true)
		case <-done:
			return
		}
	}
}

// IsSet reports whether a termination signal has been received since the last
// Reset. Wait-free.
func IsSet() bool {
	return latch.Load()
}

// Reset clears the latch so new interrupts can be observed. Wait-free.
func Reset() {
	latch.Store(false)
}
