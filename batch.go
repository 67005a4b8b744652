package chpool

import (
	"context"

	"github.com/efritz/chpool/iface"
)

type (
	// Batch wraps an ordered sequence of queries which run one after the
	// other on a single connection.
	Batch = iface.Batch

	batch struct {
		pool    *pool
		queries []Query
	}
)

func newBatch(pool *pool) Batch {
	return &batch{
		pool:    pool,
		queries: []Query{},
	}
}

// Add will attach a query to this batch. This query is not sent to the
// remote server until Run is invoked.
func (b *batch) Add(query string, options ...QueryOption) {
	b.queries = append(b.queries, newQuery(query, options))
}

// Run will execute all queries attached to this batch in order on one
// connection and return a slice of the results of each query.
func (b *batch) Run(ctx context.Context) ([]*Result, error) {
	return b.pool.runBatch(ctx, b.queries)
}

// Run each query on the same connection. A failure stops the batch. In
// fail-soft mode the results so far are returned followed by a failed
// result for the query which broke the connection. Cancellation returns
// the results so far along with the context error.
func (p *pool) runBatch(ctx context.Context, queries []Query) ([]*Result, error) {
	conn, err := p.timedPull(ctx)
	if err != nil {
		result, err := p.failPull(err)
		if err != nil {
			return nil, err
		}

		return []*Result{result}, nil
	}

	results := make([]*Result, 0, len(queries))
	for _, query := range queries {
		result, err := conn.Execute(ctx, query)
		if err != nil {
			p.logger.Printf("Batch query %s failed, closing connection (%s)", query.QueryID, err.Error())
			p.discard(conn)

			result, err := p.failQuery(ctx, err)
			if err != nil {
				return results, err
			}

			return append(results, result), nil
		}

		results = append(results, result)
	}

	p.push(conn)
	return results, nil
}
