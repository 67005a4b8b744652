package iface

import (
	"context"
	"iter"
)

// Pool abstracts a bounded pool of ClickHouse connections.
type Pool interface {
	// Execute runs the query on a pooled connection and returns all of
	// its rows. A connection which fails during the query is closed and
	// removed from the pool.
	Execute(ctx context.Context, query string, options ...QueryOption) (*Result, error)

	// ExecuteStreaming returns a sequence of the rows of the query. No
	// connection is borrowed until iteration begins, and the connection
	// is held until the sequence is exhausted or the consumer stops.
	ExecuteStreaming(ctx context.Context, query string, options ...QueryOption) iter.Seq2[Record, error]

	// Batch returns a builder to which queries can be attached. All of
	// the queries in the batch run sequentially on the same connection.
	Batch() Batch

	// Stats returns a snapshot of the pool's bookkeeping.
	Stats() Stats

	// Close disconnects every connection known to the pool. Operations
	// attempted after close fail with a pool-closed error. This method
	// is idempotent.
	Close()

	// Shutdown is an alias of Close.
	Shutdown()
}

// Stats is a snapshot of the bookkeeping of a pool.
type Stats struct {
	Capacity      int
	Idle          int
	CheckedOut    int
	Dialing       int
	Created       int
	Discarded     int
	MaxCheckedOut int
	Closed        bool
}
