package iface

type (
	// Query is a single statement and the options it is sent with.
	Query struct {
		Body            string
		QueryID         string
		Parameters      map[string]interface{}
		Settings        map[string]string
		WithColumnTypes bool
	}

	// QueryOption is a function used to modify a query before it is sent.
	QueryOption func(*Query)

	// Column describes a column of a result set.
	Column struct {
		Name string
		Type string
	}

	// Row holds the values of a single row, in column order.
	Row []interface{}

	// Result is the fully-read response of a query. Columns is nil
	// unless column types were requested. Err is set when the query
	// failed and the pool is configured to fail softly.
	Result struct {
		Columns []Column
		Rows    []Row
		Err     error
	}

	// Record is a single row produced by a streaming query. The zero
	// value is the terminal record emitted when a stream fails softly.
	Record struct {
		Columns []Column
		Values  Row
	}
)

// Empty returns true if the result holds no rows.
func (r *Result) Empty() bool {
	return r == nil || len(r.Rows) == 0
}

// Failed returns true if the result stands in for a failed query.
func (r *Result) Failed() bool {
	return r != nil && r.Err != nil
}

// IsTerminal returns true for the empty record which ends a stream that
// failed softly.
func (r Record) IsTerminal() bool {
	return r.Columns == nil && r.Values == nil
}
