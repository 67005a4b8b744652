package chpool

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

type ConnSuite struct{}

func (s *ConnSuite) TestExecute(t *testing.T) {
	var (
		backend = newFakeBackend()
		conn    = newTestConn(backend)
	)

	result, err := conn.Execute(context.Background(), newQuery("SELECT 1", nil))
	Expect(err).To(BeNil())
	Expect(result.Columns).To(Equal(testColumns))
	Expect(result.Rows).To(Equal([]Row{{uint8(1)}}))
	Expect(conn.Busy()).To(BeFalse())
}

func (s *ConnSuite) TestBusyWhileExecuting(t *testing.T) {
	var (
		backend = newFakeBackend()
		done    = make(chan struct{})
	)

	backend.gate = make(chan struct{})
	conn := newTestConn(backend)

	go func() {
		defer close(done)
		conn.Execute(context.Background(), newQuery("SELECT 1", nil))
	}()

	Eventually(conn.Busy).Should(BeTrue())
	Consistently(done).ShouldNot(BeClosed())
	close(backend.gate)
	Eventually(done).Should(BeClosed())
	Expect(conn.Busy()).To(BeFalse())
}

func (s *ConnSuite) TestExclusiveUse(t *testing.T) {
	var (
		backend = newFakeBackend()
		wg      = sync.WaitGroup{}
	)

	backend.delay = time.Millisecond * 5
	conn := newTestConn(backend)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			conn.Execute(context.Background(), newQuery("SELECT 1", nil))
		}()
	}

	wg.Wait()
	Expect(backend.sawOverlap()).To(BeFalse())
	Expect(backend.maxConcurrent()).To(Equal(1))

	_, _, calls := backend.transport(0).counts()
	Expect(calls).To(Equal(10))
}

func (s *ConnSuite) TestExecuteStreamingHoldsGuard(t *testing.T) {
	var (
		backend = newFakeBackend()
		busy    = []bool{}
	)

	backend.rows = []Row{{1}, {2}, {3}}
	conn := newTestConn(backend)

	err := conn.ExecuteStreaming(context.Background(), newQuery("SELECT 1", nil), func(record Record) error {
		busy = append(busy, conn.Busy())
		return nil
	})

	Expect(err).To(BeNil())
	Expect(busy).To(Equal([]bool{true, true, true}))
	Expect(conn.Busy()).To(BeFalse())
}

func (s *ConnSuite) TestAcquireCanceled(t *testing.T) {
	var (
		backend     = newFakeBackend()
		ctx, cancel = context.WithCancel(context.Background())
		errs        = make(chan error, 1)
	)

	backend.gate = make(chan struct{})
	defer close(backend.gate)
	conn := newTestConn(backend)

	go conn.Execute(context.Background(), newQuery("SELECT 1", nil))
	Eventually(conn.Busy).Should(BeTrue())

	go func() {
		_, err := conn.Execute(ctx, newQuery("SELECT 1", nil))
		errs <- err
	}()

	Consistently(errs).ShouldNot(Receive())
	cancel()
	Eventually(errs).Should(Receive(Equal(context.Canceled)))
}

func (s *ConnSuite) TestCloseOnce(t *testing.T) {
	var (
		backend = newFakeBackend()
		conn    = newTestConn(backend)
	)

	Expect(conn.Connected()).To(BeTrue())
	Expect(conn.Close()).To(BeNil())
	Expect(conn.Close()).To(BeNil())
	Expect(conn.Connected()).To(BeFalse())

	_, disconnects, _ := backend.transport(0).counts()
	Expect(disconnects).To(Equal(1))
}

func (s *ConnSuite) TestExecuteAfterClose(t *testing.T) {
	var (
		backend = newFakeBackend()
		conn    = newTestConn(backend)
	)

	conn.Close()
	_, err := conn.Execute(context.Background(), newQuery("SELECT 1", nil))
	Expect(err).To(Equal(ErrConnClosed))
	Expect(conn.Busy()).To(BeFalse())
	Expect(conn.Reconnect(context.Background())).To(Equal(ErrConnClosed))
}

func (s *ConnSuite) TestReconnect(t *testing.T) {
	var (
		backend = newFakeBackend()
		conn    = newTestConn(backend)
	)

	backend.transport(0).setConnected(false)
	Expect(conn.Connected()).To(BeFalse())
	Expect(conn.Reconnect(context.Background())).To(BeNil())
	Expect(conn.Connected()).To(BeTrue())

	connects, _, _ := backend.transport(0).counts()
	Expect(connects).To(Equal(1))
}

func (s *ConnSuite) TestReconnectBusy(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	defer close(backend.gate)
	conn := newTestConn(backend)

	go conn.Execute(context.Background(), newQuery("SELECT 1", nil))
	Eventually(conn.Busy).Should(BeTrue())
	Expect(conn.Reconnect(context.Background())).To(Equal(errConnBusy))
}

func newTestConn(backend *fakeBackend) *guardedConn {
	transport, err := backend.dial(context.Background())
	Expect(err).To(BeNil())
	return newGuardedConn(transport)
}
