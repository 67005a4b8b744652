package chpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/efritz/chpool/iface"
)

type (
	// Transport abstracts a single physical connection to ClickHouse.
	Transport = iface.Transport

	// DialFunc creates a connected transport or returns an error.
	DialFunc func(ctx context.Context) (Transport, error)

	// guardedConn serializes access to a single transport. The guard is
	// a one-slot semaphore so that waiting on it can be abandoned when
	// the caller's context is canceled.
	guardedConn struct {
		id        string
		transport Transport
		guard     chan struct{}
		closed    atomic.Bool
		closeOnce sync.Once
		closeErr  error
	}
)

var (
	// ErrConnClosed is returned when a query is issued on a connection
	// which has already been torn down.
	ErrConnClosed = errors.New("connection has been closed")

	errConnBusy = errors.New("connection is busy")
)

func newGuardedConn(transport Transport) *guardedConn {
	return &guardedConn{
		id:        uuid.New().String(),
		transport: transport,
		guard:     make(chan struct{}, 1),
	}
}

// Execute runs the query while holding the connection's guard. This
// method blocks until the guard is available.
func (c *guardedConn) Execute(ctx context.Context, query Query) (*Result, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	defer c.release()
	return c.transport.Execute(ctx, query)
}

// ExecuteStreaming runs the query and invokes fn for each row. The guard
// is held until the stream is exhausted or fn returns an error.
func (c *guardedConn) ExecuteStreaming(ctx context.Context, query Query, fn func(Record) error) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}

	defer c.release()
	return c.transport.ExecuteStreaming(ctx, query, fn)
}

// Reconnect forces the transport to re-establish its connection. A busy
// connection is never reconnected out from under its holder.
func (c *guardedConn) Reconnect(ctx context.Context) error {
	select {
	case c.guard <- struct{}{}:
	default:
		return errConnBusy
	}

	defer c.release()

	if c.closed.Load() {
		return ErrConnClosed
	}

	return c.transport.Connect(ctx)
}

// Busy returns true if the guard is currently held.
func (c *guardedConn) Busy() bool {
	return len(c.guard) > 0
}

// Connected returns true if the transport is live and the connection
// has not been torn down.
func (c *guardedConn) Connected() bool {
	return !c.closed.Load() && c.transport.Connected()
}

// Close disconnects the transport. Only the first call reaches the
// transport; later calls return the same error. This does not wait for
// the guard, so a query in flight on another goroutine will fail.
func (c *guardedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.transport.Disconnect()
	})

	return c.closeErr
}

func (c *guardedConn) acquire(ctx context.Context) error {
	select {
	case c.guard <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.closed.Load() {
		c.release()
		return ErrConnClosed
	}

	return nil
}

func (c *guardedConn) release() {
	<-c.guard
}
