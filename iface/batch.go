package iface

import "context"

// Batch wraps an ordered sequence of queries which run one after the
// other on a single connection. This allows session-scoped state such
// as temporary tables to be shared between the queries.
type Batch interface {
	// Add will attach a query to this batch. The query is not sent to
	// the remote server until Run is invoked.
	Add(query string, options ...QueryOption)

	// Run will execute all queries attached to this batch in order and
	// return the result of each query.
	Run(ctx context.Context) ([]*Result, error)
}
