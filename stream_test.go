package chpool

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

type StreamSuite struct{}

func (s *StreamSuite) TestStream(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	pool := newTestPool(backend)

	values := []Row{}
	for record, err := range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		Expect(err).To(BeNil())
		Expect(record.Columns).To(Equal(testColumns))
		values = append(values, record.Values)
	}

	Expect(values).To(Equal([]Row{{1}, {2}, {3}}))
	Expect(pool.Stats().Idle).To(Equal(1))
	Expect(pool.Stats().CheckedOut).To(Equal(0))
	Expect(backend.dials()).To(Equal(1))
}

func (s *StreamSuite) TestStreamWithoutColumnTypes(t *testing.T) {
	pool := newTestPool(newFakeBackend())

	for record, err := range pool.ExecuteStreaming(context.Background(), "SELECT 1", WithColumnTypes(false)) {
		Expect(err).To(BeNil())
		Expect(record.Columns).To(BeNil())
		Expect(record.IsTerminal()).To(BeFalse())
	}
}

func (s *StreamSuite) TestStreamIsLazy(t *testing.T) {
	var (
		backend = newFakeBackend()
		pool    = newTestPool(backend, WithPrewarm(0))
		seq     = pool.ExecuteStreaming(context.Background(), "SELECT 1")
	)

	Expect(backend.dials()).To(Equal(0))
	Expect(pool.Stats().CheckedOut).To(Equal(0))

	for range seq {
		Expect(pool.Stats().CheckedOut).To(Equal(1))
	}

	Expect(backend.dials()).To(Equal(1))
	Expect(pool.Stats().CheckedOut).To(Equal(0))
}

func (s *StreamSuite) TestStreamAbandoned(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	pool := newTestPool(backend)

	for record := range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		Expect(record.Values).To(Equal(Row{1}))
		break
	}

	stats := pool.Stats()
	Expect(stats.CheckedOut).To(Equal(0))
	Expect(stats.Idle).To(Equal(0))
	Expect(stats.Discarded).To(Equal(1))

	_, disconnects, _ := backend.transport(0).counts()
	Expect(disconnects).To(Equal(1))

	_, err := pool.Execute(context.Background(), "SELECT 1")
	Expect(err).To(BeNil())
	Expect(backend.dials()).To(Equal(2))
}

func (s *StreamSuite) TestStreamFailSoft(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	backend.failCalls[1] = true
	pool := newTestPool(backend)

	records := []Record{}
	for record, err := range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		Expect(err).To(BeNil())
		records = append(records, record)
	}

	Expect(records).To(HaveLen(2))
	Expect(records[0].Values).To(Equal(Row{1}))
	Expect(records[1].IsTerminal()).To(BeTrue())
	Expect(pool.Stats().Discarded).To(Equal(1))
	Expect(pool.Stats().CheckedOut).To(Equal(0))
}

func (s *StreamSuite) TestStreamFailLoud(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	backend.failCalls[1] = true
	pool := newTestPool(backend, WithFailMode(FailLoud))

	var errs []error
	for _, err := range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		errs = append(errs, err)
	}

	Expect(errs).To(HaveLen(2))
	Expect(errs[0]).To(BeNil())
	Expect(errors.Cause(errs[1])).To(Equal(errConnReset))
}

func (s *StreamSuite) TestStreamFromClientGoroutine(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	backend.async = true
	pool := newTestPool(backend)

	values := []Row{}
	for record, err := range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		Expect(err).To(BeNil())
		Expect(pool.Stats().CheckedOut).To(Equal(1))
		values = append(values, record.Values)
	}

	Expect(values).To(Equal([]Row{{1}, {2}, {3}}))
	Expect(pool.Stats().Idle).To(Equal(1))
	Expect(backend.currentInFlight()).To(Equal(0))
}

func (s *StreamSuite) TestStreamPanicReachesCaller(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	backend.async = true
	pool := newTestPool(backend)

	recovered := func() (value interface{}) {
		defer func() { value = recover() }()

		for range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
			panic("consumer panic")
		}

		return nil
	}()

	Expect(recovered).To(Equal("consumer panic"))
	Expect(backend.currentInFlight()).To(Equal(0))

	stats := pool.Stats()
	Expect(stats.CheckedOut).To(Equal(0))
	Expect(stats.Idle).To(Equal(0))
	Expect(stats.Discarded).To(Equal(1))
}

func (s *StreamSuite) TestStreamAbandonedFromClientGoroutine(t *testing.T) {
	backend := newFakeBackend()
	backend.rows = []Row{{1}, {2}, {3}}
	backend.async = true
	pool := newTestPool(backend)

	for range pool.ExecuteStreaming(context.Background(), "SELECT number FROM numbers(3)") {
		break
	}

	Expect(backend.currentInFlight()).To(Equal(0))
	Expect(pool.Stats().Discarded).To(Equal(1))
}

func (s *StreamSuite) TestStreamCanceled(t *testing.T) {
	var (
		backend     = newFakeBackend()
		ctx, cancel = context.WithCancel(context.Background())
		errs        = make(chan []error, 1)
	)

	backend.gate = make(chan struct{})
	defer close(backend.gate)
	pool := newTestPool(backend)

	go func() {
		var received []error
		for _, err := range pool.ExecuteStreaming(ctx, "SELECT 1") {
			received = append(received, err)
		}

		errs <- received
	}()

	Eventually(backend.currentInFlight).Should(Equal(1))
	cancel()
	Eventually(errs).Should(Receive(Equal([]error{context.Canceled})))
	Expect(pool.Stats().Discarded).To(Equal(1))
}

func (s *StreamSuite) TestStreamAfterClose(t *testing.T) {
	pool := newTestPool(newFakeBackend())
	pool.Close()

	var errs []error
	for _, err := range pool.ExecuteStreaming(context.Background(), "SELECT 1") {
		errs = append(errs, err)
	}

	Expect(errs).To(Equal([]error{ErrPoolClosed}))
}
