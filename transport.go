package chpool

import (
	"context"
	"net"
	"reflect"
	"strconv"
	"sync"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/pkg/errors"
)

type (
	// chTransport is a Transport backed by a native protocol ch-go client.
	// The client pointer is guarded so that Disconnect may be called while
	// a query is in flight on another goroutine.
	chTransport struct {
		options ch.Options
		mutex   sync.RWMutex
		client  *ch.Client
	}

	// blockFunc receives the decoded rows of one data block.
	blockFunc func([]Column, []Row) error

	// blockRunner runs a query and invokes the given function once per
	// data block, possibly from another goroutine.
	blockRunner func(context.Context, blockFunc) error

	block struct {
		columns []Column
		rows    []Row
	}

	// dialErr marks an error which occurred while establishing a new
	// connection (as opposed to while running a query).
	dialErr struct{ error }
)

var errNotConnected = errors.New("transport is not connected")

func (e dialErr) Unwrap() error {
	return e.error
}

func makeDialer(config *poolConfig) DialFunc {
	options := makeClientOptions(config)

	return func(ctx context.Context) (Transport, error) {
		t := &chTransport{options: options}
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}

		return t, nil
	}
}

// makeClientOptions builds the ch-go options of new connections. Client
// option hooks are applied last and may override any named field.
func makeClientOptions(config *poolConfig) ch.Options {
	options := ch.Options{
		Address:     net.JoinHostPort(config.host, strconv.Itoa(config.port)),
		Database:    config.database,
		User:        config.user,
		Password:    config.password,
		ClientName:  config.clientName,
		DialTimeout: config.dialTimeout,
		Settings:    makeSettings(config.settings),
	}

	for _, f := range config.clientOptions {
		f(&options)
	}

	return options
}

func (t *chTransport) Connect(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.client != nil {
		// Errors closing a stale client are irrelevant, we're replacing it
		_ = t.client.Close()
		t.client = nil
	}

	client, err := ch.Dial(ctx, t.options)
	if err != nil {
		return errors.Wrapf(err, "dial %s", t.options.Address)
	}

	t.client = client
	return nil
}

func (t *chTransport) Disconnect() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.client == nil {
		return nil
	}

	err := t.client.Close()
	t.client = nil
	return err
}

func (t *chTransport) Connected() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	return t.client != nil && !t.client.IsClosed()
}

func (t *chTransport) Execute(ctx context.Context, query Query) (*Result, error) {
	result := &Result{Rows: []Row{}}

	err := t.do(ctx, query, func(columns []Column, rows []Row) error {
		if query.WithColumnTypes && result.Columns == nil {
			result.Columns = columns
		}

		result.Rows = append(result.Rows, rows...)
		return nil
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// The ch-go client decodes blocks on a goroutine of its own, so rows are
// handed back to the calling goroutine before fn sees them.
func (t *chTransport) ExecuteStreaming(ctx context.Context, query Query, fn func(Record) error) error {
	run := func(ctx context.Context, onBlock blockFunc) error {
		return t.do(ctx, query, onBlock)
	}

	return streamBlocks(ctx, run, recordFunc(query.WithColumnTypes, fn))
}

// Run the query and invoke onBlock with the decoded rows of each data
// block as it arrives.
func (t *chTransport) do(ctx context.Context, query Query, onBlock blockFunc) error {
	t.mutex.RLock()
	client := t.client
	t.mutex.RUnlock()

	if client == nil {
		return errNotConnected
	}

	var results proto.Results

	return client.Do(ctx, ch.Query{
		Body:       query.Body,
		QueryID:    query.QueryID,
		Settings:   makeSettings(query.Settings),
		Parameters: ch.Parameters(query.Parameters),
		Result:     results.Auto(),
		OnResult: func(ctx context.Context, block proto.Block) error {
			columns, rows, err := decodeBlock(results, block.Rows)
			if err != nil {
				return err
			}

			return onBlock(columns, rows)
		},
	})
}

// streamBlocks runs the query on a separate goroutine and invokes onBlock
// on the calling goroutine. The runner is held inside its callback until
// onBlock returns, so at most one block is in flight and the runner does
// not outlive this call, even when onBlock panics.
func streamBlocks(ctx context.Context, run blockRunner, onBlock blockFunc) error {
	ctx, cancel := context.WithCancel(ctx)

	var (
		blocks   = make(chan block)
		acks     = make(chan error, 1)
		done     = make(chan error, 1)
		finished = false
	)

	defer func() {
		cancel()

		if !finished {
			<-done
		}
	}()

	go func() {
		done <- run(ctx, func(columns []Column, rows []Row) error {
			select {
			case blocks <- block{columns: columns, rows: rows}:
			case <-ctx.Done():
				return ctx.Err()
			}

			select {
			case err := <-acks:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	for {
		select {
		case b := <-blocks:
			err := onBlock(b.columns, b.rows)
			if err == nil {
				err = ctx.Err()
			}

			if err != nil {
				acks <- err
				return err
			}

			acks <- nil

		case err := <-done:
			finished = true
			return err
		}
	}
}

// recordFunc converts each block into one record per row.
func recordFunc(withColumnTypes bool, fn func(Record) error) blockFunc {
	return func(columns []Column, rows []Row) error {
		if !withColumnTypes {
			columns = nil
		}

		for _, row := range rows {
			if err := fn(Record{Columns: columns, Values: row}); err != nil {
				return err
			}
		}

		return nil
	}
}

//
// Decoding Helpers

func decodeBlock(results proto.Results, numRows int) ([]Column, []Row, error) {
	columns := make([]Column, 0, len(results))
	for _, c := range results {
		columns = append(columns, Column{
			Name: c.Name,
			Type: string(c.Data.Type()),
		})
	}

	rows := make([]Row, 0, numRows)
	for i := 0; i < numRows; i++ {
		row := make(Row, 0, len(results))
		for _, c := range results {
			value, err := columnValue(c.Data, i)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "column %s", c.Name)
			}

			row = append(row, value)
		}

		rows = append(rows, row)
	}

	return columns, rows, nil
}

// Read a single value out of a typed column. Every concrete ch-go column
// exposes its values through a Row(int) method with a column-specific
// return type, so the method is resolved dynamically.
func columnValue(column interface{}, i int) (interface{}, error) {
	if auto, ok := column.(*proto.ColAuto); ok {
		column = auto.Data
	}

	if column == nil {
		return nil, errors.New("column has no data")
	}

	method := reflect.ValueOf(column).MethodByName("Row")
	if !method.IsValid() {
		return nil, errors.Errorf("unsupported column type %T", column)
	}

	return method.Call([]reflect.Value{reflect.ValueOf(i)})[0].Interface(), nil
}

func makeSettings(settings map[string]string) []ch.Setting {
	if len(settings) == 0 {
		return nil
	}

	chSettings := make([]ch.Setting, 0, len(settings))
	for key, value := range settings {
		chSettings = append(chSettings, ch.Setting{Key: key, Value: value})
	}

	return chSettings
}
