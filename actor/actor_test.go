package actor

import (
	"errors"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anterem/zactor/signal"
	"github.com/anterem/zactor/sockio"
)

func newTestContext(t *testing.T) *zmq.Context {
	t.Helper()
	ctx, err := zmq.NewContext()
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Term() })
	return ctx
}

// echoUntilStop is the well-behaved worker: ack startup, then echo every
// payload until the stop signal arrives.
func echoUntilStop(s *zmq.Socket) error {
	if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
		return err
	}
	for {
		payload, err := sockio.Recv(s, 0)
		if err != nil {
			return err
		}
		if sig, ok := signal.Parse(payload); ok && sig.IsStop() {
			return nil
		}
		if _, err := sockio.Send(s, payload, 0); err != nil {
			return err
		}
	}
}

func TestStartStop(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Start(echoUntilStop))
	assert.True(t, a.IsStarted())
	assert.False(t, a.IsStopped())

	assert.True(t, a.Stop(-1))
	assert.True(t, a.IsStopped())
}

func TestEcho(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(echoUntilStop))

	_, err = sockio.Send(a.Socket(), []byte("hello"), 0)
	require.NoError(t, err)
	reply, err := sockio.Recv(a.Socket(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(echoUntilStop))
	assert.ErrorIs(t, a.Start(echoUntilStop), ErrAlreadyStarted)
}

func TestInitFailureByReturn(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = a.Start(func(*zmq.Socket) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, a.IsStarted())
	assert.True(t, a.IsStopped())

	// destructor on a failed actor is a clean no-op
	a.Close()
}

func TestInitFailureByPanic(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)
	defer a.Close()

	err = a.Start(func(*zmq.Socket) error { panic("worker exploded") })
	require.Error(t, err)
	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "worker exploded", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.True(t, a.IsStopped())
}

func TestInitFailureWithoutSignal(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)
	defer a.Close()

	// returning nil without ever sending success means the terminal success
	// frame is the first thing the creator sees; that still counts as a
	// successful start, so fail instead with a bare non-signal payload.
	err = a.Start(func(s *zmq.Socket) error {
		_, err := sockio.Send(s, []byte("not a signal"), 0)
		return err
	})
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.True(t, a.IsStopped())
}

func TestStopBeforeStart(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	assert.True(t, a.Stop(time.Second))
	assert.False(t, a.IsStarted())

	a.Close()
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Start(echoUntilStop))
	assert.True(t, a.Stop(-1))
	assert.True(t, a.Stop(-1))
	assert.True(t, a.Stop(0))
}

func TestStopTimeoutTooShort(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	started := make(chan struct{})
	err = a.Start(func(s *zmq.Socket) error {
		if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
			return err
		}
		close(started)
		time.Sleep(100 * time.Millisecond)
		return echoLoop(s)
	})
	require.NoError(t, err)
	<-started

	// the worker is asleep; ten milliseconds is not enough for it to see
	// the stop signal
	assert.False(t, a.Stop(10*time.Millisecond))
	assert.True(t, a.IsStopped())
}

func TestStopTimeoutSufficient(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	err = a.Start(func(s *zmq.Socket) error {
		if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		return echoLoop(s)
	})
	require.NoError(t, err)

	assert.True(t, a.Stop(100*time.Millisecond))
	assert.True(t, a.IsStopped())
}

func echoLoop(s *zmq.Socket) error {
	for {
		payload, err := sockio.Recv(s, 0)
		if err != nil {
			return err
		}
		if sig, ok := signal.Parse(payload); ok && sig.IsStop() {
			return nil
		}
	}
}

func TestFailureAfterSuccess(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	errLate := errors.New("late failure")
	err = a.Start(func(s *zmq.Socket) error {
		if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond)
		return errLate
	})
	require.NoError(t, err)

	// the worker's terminal failure signal shows up on the parent endpoint
	payload, err := sockio.Recv(a.Socket(), 0)
	require.NoError(t, err)
	sig, ok := signal.Parse(payload)
	require.True(t, ok)
	assert.True(t, sig.IsFailure())

	// the worker is gone; destruction is clean
	a.Close()
	assert.True(t, a.IsStopped())
	assert.ErrorIs(t, a.fault.load(), errLate)
}

func TestStopRacesFinishedWorker(t *testing.T) {
	// a worker that exits on its own right after acknowledging start; stop
	// may catch its socket open (stop sent, never processed, timeout) or
	// already closed (send fails, clean return), and must cope with either
	for i := 0; i < 10; i++ {
		ctx := newTestContext(t)
		a, err := New(ctx)
		require.NoError(t, err)

		err = a.Start(func(s *zmq.Socket) error {
			if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
				return err
			}
			time.Sleep(time.Duration(i) * time.Millisecond)
			return errors.New("done early")
		})
		require.NoError(t, err)

		a.Stop(20 * time.Millisecond)
		assert.True(t, a.IsStopped())
	}
}

func TestCloseTimeoutAccessors(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, DefaultCloseTimeout, a.CloseTimeout())
	a.SetCloseTimeout(time.Second)
	assert.Equal(t, time.Second, a.CloseTimeout())
}

func TestCloseNeverBlocksLong(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	started := make(chan struct{})
	err = a.Start(func(s *zmq.Socket) error {
		if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
			return err
		}
		close(started)
		time.Sleep(500 * time.Millisecond)
		return echoLoop(s)
	})
	require.NoError(t, err)
	<-started

	start := time.Now()
	a.Close()
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.True(t, a.IsStopped())
}

func TestStopDrainsApplicationPayloads(t *testing.T) {
	ctx := newTestContext(t)
	a, err := New(ctx)
	require.NoError(t, err)

	err = a.Start(func(s *zmq.Socket) error {
		if _, err := sockio.Send(s, signal.Success.Frame(), 0); err != nil {
			return err
		}
		// queue some application traffic the creator never reads
		for i := 0; i < 3; i++ {
			if _, err := sockio.Send(s, []byte("pending"), 0); err != nil {
				return err
			}
		}
		return echoLoop(s)
	})
	require.NoError(t, err)

	// stop must skip the queued payloads and land on the worker's terminal
	// signal
	assert.True(t, a.Stop(time.Second))
	assert.True(t, a.IsStopped())
}
