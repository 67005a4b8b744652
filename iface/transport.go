package iface

import "context"

// Transport abstracts a single physical connection to ClickHouse. A
// transport is not safe for concurrent use.
type Transport interface {
	// Connect (re-)establishes the connection to the remote server. An
	// existing connection is dropped first.
	Connect(ctx context.Context) error

	// Disconnect closes the connection to the remote server.
	Disconnect() error

	// Connected reports whether the connection is live. It has no side
	// effects.
	Connected() bool

	// Execute runs the query and returns all of its rows.
	Execute(ctx context.Context, query Query) (*Result, error)

	// ExecuteStreaming runs the query and invokes fn for every row as it
	// is received. If fn returns an error the query is aborted and that
	// error is returned.
	ExecuteStreaming(ctx context.Context, query Query, fn func(Record) error) error
}
