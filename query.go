package chpool

import (
	"github.com/google/uuid"

	"github.com/efritz/chpool/iface"
)

type (
	// Query is a single statement and the options it is sent with.
	Query = iface.Query

	// QueryOption is a function used to modify a query before it is sent.
	QueryOption = iface.QueryOption

	// Column describes a column of a result set.
	Column = iface.Column

	// Row holds the values of a single row, in column order.
	Row = iface.Row

	// Result is the fully-read response of a query.
	Result = iface.Result

	// Record is a single row produced by a streaming query.
	Record = iface.Record
)

// WithColumnTypes sets whether column names and types are returned with
// the rows of a query (default is true).
func WithColumnTypes(withColumnTypes bool) QueryOption {
	return func(q *Query) { q.WithColumnTypes = withColumnTypes }
}

// WithQueryID sets the identifier the query is sent with. The default is
// a random UUID.
func WithQueryID(queryID string) QueryOption {
	return func(q *Query) { q.QueryID = queryID }
}

// WithParameters binds values to the {name:Type} placeholders of the query.
func WithParameters(parameters map[string]interface{}) QueryOption {
	return func(q *Query) { q.Parameters = parameters }
}

// WithQuerySettings sets server settings which apply to this query only.
func WithQuerySettings(settings map[string]string) QueryOption {
	return func(q *Query) { q.Settings = settings }
}

func newQuery(body string, options []QueryOption) Query {
	query := Query{
		Body:            body,
		WithColumnTypes: true,
	}

	for _, f := range options {
		f(&query)
	}

	if query.QueryID == "" {
		query.QueryID = uuid.New().String()
	}

	return query
}
