package chpool

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/bradhe/stopwatch"
	"github.com/efritz/glock"
	"github.com/efritz/overcurrent"
	"github.com/pkg/errors"

	"github.com/efritz/chpool/iface"
)

type (
	// Pool abstracts a bounded ClickHouse connection pool.
	Pool = iface.Pool

	// Stats is a snapshot of the bookkeeping of a pool.
	Stats = iface.Stats

	pool struct {
		dialer         DialFunc
		capacity       int
		failMode       FailMode
		logger         Logger
		breakerFunc    BreakerFunc
		backoffFactory BackoffFactory
		clock          glock.Clock
		borrowTimeout  *time.Duration
		released       chan struct{}
		done           chan struct{}

		// Everything below is guarded by mutex. A connection is in at most
		// one of idle and checkedOut. The number of connections in either
		// set plus the number of dials in progress never exceeds capacity.
		mutex         sync.Mutex
		idle          []*guardedConn
		checkedOut    map[string]*guardedConn
		dialing       int
		closed        bool
		created       int
		discarded     int
		maxCheckedOut int
	}
)

var (
	// ErrPoolClosed is returned by every operation issued after the
	// pool has been closed.
	ErrPoolClosed = errors.New("pool has been closed")

	// ErrNoConnection is returned when the borrow timeout elapses.
	ErrNoConnection = errors.New("no connection available in pool")

	errStreamStopped = errors.New("stream stopped by consumer")
)

// NewPool creates a pool of connections to the ClickHouse server at the
// given host. The configured number of connections are dialed eagerly;
// failure to dial them is logged and does not fail construction.
func NewPool(host string, configs ...ConfigFunc) (Pool, error) {
	config, err := newConfig(host, configs)
	if err != nil {
		return nil, err
	}

	p := newPool(config)
	p.prewarm(config.prewarm)
	return p, nil
}

func newPool(config *poolConfig) *pool {
	return &pool{
		dialer:         config.dialer,
		capacity:       config.maxConnections,
		failMode:       config.failMode,
		logger:         config.logger,
		breakerFunc:    config.breakerFunc,
		backoffFactory: config.backoffFactory,
		clock:          config.clock,
		borrowTimeout:  config.borrowTimeout,
		released:       make(chan struct{}, config.maxConnections),
		done:           make(chan struct{}),
		checkedOut:     map[string]*guardedConn{},
	}
}

func (p *pool) Execute(ctx context.Context, query string, options ...QueryOption) (*Result, error) {
	q := newQuery(query, options)

	conn, err := p.timedPull(ctx)
	if err != nil {
		return p.failPull(err)
	}

	result, err := conn.Execute(ctx, q)
	if err != nil {
		p.logger.Printf("Query %s failed, closing connection (%s)", q.QueryID, err.Error())
		p.discard(conn)
		return p.failQuery(ctx, err)
	}

	p.push(conn)
	return result, nil
}

func (p *pool) ExecuteStreaming(ctx context.Context, query string, options ...QueryOption) iter.Seq2[Record, error] {
	q := newQuery(query, options)

	return func(yield func(Record, error) bool) {
		conn, err := p.timedPull(ctx)
		if err != nil {
			// A nil error here is the fail-soft terminal record
			_, err = p.failPull(err)
			yield(Record{}, err)
			return
		}

		released := false
		defer func() {
			// The consumer panicked while holding the connection
			if !released {
				p.discard(conn)
			}
		}()

		stopped := false
		err = conn.ExecuteStreaming(ctx, q, func(record Record) error {
			if !yield(record, nil) {
				stopped = true
				return errStreamStopped
			}

			return nil
		})

		released = true

		if stopped {
			// The server is still sending the remainder of the result, so
			// the connection cannot be handed to another caller.
			p.logger.Printf("Stream %s abandoned, closing connection", q.QueryID)
			p.discard(conn)
			return
		}

		if err != nil {
			p.logger.Printf("Stream %s failed, closing connection (%s)", q.QueryID, err.Error())
			p.discard(conn)

			_, err = p.failQuery(ctx, err)
			yield(Record{}, err)
			return
		}

		p.push(conn)
	}
}

func (p *pool) Batch() Batch {
	return newBatch(p)
}

func (p *pool) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return Stats{
		Capacity:      p.capacity,
		Idle:          len(p.idle),
		CheckedOut:    len(p.checkedOut),
		Dialing:       p.dialing,
		Created:       p.created,
		Discarded:     p.discarded,
		MaxCheckedOut: p.maxCheckedOut,
		Closed:        p.closed,
	}
}

func (p *pool) Close() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}

	p.closed = true
	conns := append([]*guardedConn{}, p.idle...)
	for _, conn := range p.checkedOut {
		conns = append(conns, conn)
	}

	p.idle = nil
	p.checkedOut = map[string]*guardedConn{}
	close(p.done)
	p.mutex.Unlock()

	// Connections in flight are closed as well. Their queries will fail
	// and the subsequent discard will not reach the transport a second
	// time.

	for _, conn := range conns {
		p.teardown(conn)
	}

	p.logger.Printf("Closed pool (%d connections)", len(conns))
}

func (p *pool) Shutdown() {
	p.Close()
}

//
// Pool Helper Functions

// Pulls and logs the time it took to return from blocking on the
// pool's pull method.
func (p *pool) timedPull(ctx context.Context) (*guardedConn, error) {
	watch := stopwatch.Start()
	conn, err := p.pull(ctx)
	watch.Stop()
	elapsed := int64(watch.Milliseconds())

	if err == nil {
		p.logger.Printf("Received connection after %dms", elapsed)
	} else {
		p.logger.Printf("Could not borrow connection after %dms", elapsed)
	}

	return conn, err
}

// Get a ready connection from the pool. Idle connections are preferred
// over dialing a new one. When the pool is saturated this method waits
// until a connection is released, the borrow timeout elapses, the
// context is canceled, or the pool is closed. The idle set is re-scanned
// periodically while waiting so that a missed signal cannot strand the
// caller.
func (p *pool) pull(ctx context.Context) (*guardedConn, error) {
	var (
		timeout = makeTimeoutChan(p.borrowTimeout, p.clock)
		backoff = p.backoffFactory()
	)

	for {
		conn, reserved, err := p.take()
		if err != nil {
			return nil, err
		}

		if conn != nil {
			if p.isReady(ctx, conn) {
				return conn, nil
			}

			continue
		}

		if reserved {
			return p.dial(ctx)
		}

		select {
		case <-p.released:
		case <-p.clock.After(backoff.NextInterval()):
		case <-timeout:
			return nil, ErrNoConnection
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Check out an idle connection if one exists. Otherwise, reserve a slot
// for a new connection if the pool is under capacity. If neither is
// possible the pool is saturated and all return values are zero.
func (p *pool) take() (*guardedConn, bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, false, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.checkOut(conn)
		return conn, false, nil
	}

	if len(p.checkedOut)+p.dialing < p.capacity {
		p.dialing++
		return nil, true, nil
	}

	return nil, false, nil
}

// Dial a new connection into a slot reserved by take. The call to the
// dialer function is wrapped in a circuit breaker so that if the remote
// end is down we are not going to hammer it. The new connection is
// checked out on success.
func (p *pool) dial(ctx context.Context) (*guardedConn, error) {
	var transport Transport
	err := p.breakerFunc(func(context.Context) error {
		temp, err := p.dialer(ctx)
		transport = temp
		return err
	})

	p.mutex.Lock()
	p.dialing--

	if err != nil {
		p.signal()
		p.mutex.Unlock()

		if breakerOpen(err) {
			p.logger.Printf("Circuit breaker is open, not connecting to ClickHouse")
		} else {
			p.logger.Printf("Could not connect to ClickHouse (%s)", err.Error())
		}

		return nil, dialErr{err}
	}

	conn := newGuardedConn(transport)

	if p.closed {
		p.mutex.Unlock()
		p.teardown(conn)
		return nil, ErrPoolClosed
	}

	p.created++
	p.checkOut(conn)
	p.mutex.Unlock()

	p.logger.Printf("Established a new connection with ClickHouse")
	return conn, nil
}

func (p *pool) prewarm(n int) {
	for i := 0; i < n; i++ {
		p.mutex.Lock()
		p.dialing++
		p.mutex.Unlock()

		if conn, err := p.dial(context.Background()); err == nil {
			p.push(conn)
		}
	}
}

// Determine if a checked out connection can be handed to a caller. A
// connection whose transport has dropped is reconnected in place. A
// connection which cannot be used is removed from the pool.
func (p *pool) isReady(ctx context.Context, conn *guardedConn) bool {
	if conn.Busy() {
		p.logger.Printf("Idle connection was busy, closing it")
		p.discard(conn)
		return false
	}

	if conn.Connected() {
		return true
	}

	err := p.breakerFunc(func(context.Context) error {
		return conn.Reconnect(ctx)
	})

	if err != nil {
		p.logger.Printf("Could not reconnect stale connection (%s)", err.Error())
		p.discard(conn)
		return false
	}

	p.logger.Printf("Reconnected stale connection")
	return true
}

// Return a connection to the idle set. Bad or busy connections are
// never re-admitted; they are closed instead, which frees their slot.
// Nothing is re-admitted once the pool is closed.
func (p *pool) push(conn *guardedConn) {
	p.mutex.Lock()
	delete(p.checkedOut, conn.id)

	if !p.closed && conn.Connected() && !conn.Busy() {
		p.idle = append(p.idle, conn)
		p.signal()
		p.mutex.Unlock()
		return
	}

	p.discarded++
	p.signal()
	p.mutex.Unlock()

	p.teardown(conn)
}

// Remove a connection from the pool and close it.
func (p *pool) discard(conn *guardedConn) {
	p.mutex.Lock()
	delete(p.checkedOut, conn.id)
	p.discarded++
	p.signal()
	p.mutex.Unlock()

	p.teardown(conn)
}

func (p *pool) teardown(conn *guardedConn) {
	if err := conn.Close(); err != nil {
		p.logger.Printf("Could not close connection (%s)", err.Error())
	}
}

// Must be called with the mutex held.
func (p *pool) checkOut(conn *guardedConn) {
	p.checkedOut[conn.id] = conn

	if n := len(p.checkedOut); n > p.maxCheckedOut {
		p.maxCheckedOut = n
	}
}

// Wake one waiter. If the buffer is full then every waiter is going to
// be woken already. Must be called with the mutex held.
func (p *pool) signal() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

// Convert the failure of a query according to the fail mode.
func (p *pool) fail(err error) (*Result, error) {
	if p.failMode == FailLoud {
		return nil, errors.Wrap(err, "query failed")
	}

	return &Result{Rows: []Row{}, Err: err}, nil
}

// Convert the failure of a running query. A query interrupted by its
// context reports the context error in either fail mode.
func (p *pool) failQuery(ctx context.Context, err error) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	return p.fail(err)
}

// Convert a failure to borrow a connection. Only dial failures are
// subject to the fail mode; closed pools, timeouts, and cancellation
// are always reported to the caller.
func (p *pool) failPull(err error) (*Result, error) {
	if _, ok := err.(dialErr); ok {
		return p.fail(err)
	}

	return nil, err
}

var blockingChan = make(chan time.Time)

// Wraps clock.After around a possibly nil-timeout. When timeout is nil this
// method will return a channel which is always open but never written to.
func makeTimeoutChan(timeout *time.Duration, clock glock.Clock) <-chan time.Time {
	if timeout == nil {
		return blockingChan
	}

	return clock.After(*timeout)
}

// breakerOpen returns true if the error was produced by an open
// circuit breaker rather than by the wrapped function.
func breakerOpen(err error) bool {
	return errors.Cause(err) == overcurrent.ErrCircuitOpen
}
