package chpool

import (
	"context"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/efritz/backoff"
	"github.com/efritz/glock"
	"github.com/efritz/overcurrent"
	"github.com/pkg/errors"
)

type (
	poolConfig struct {
		host           string
		port           int
		database       string
		user           string
		password       string
		clientName     string
		settings       map[string]string
		clientOptions  []func(*ch.Options)
		dialTimeout    time.Duration
		maxConnections int
		prewarm        int
		borrowTimeout  *time.Duration
		failMode       FailMode
		breakerFunc    BreakerFunc
		backoffFactory BackoffFactory
		clock          glock.Clock
		logger         Logger
		dialer         DialFunc
	}

	// ConfigFunc is a function used to initialize a new pool.
	ConfigFunc func(*poolConfig)

	// BreakerFunc bridges the interface between the Call function of
	// an overcurrent breaker and an overcurrent registry.
	BreakerFunc func(overcurrent.BreakerFunc) error

	// BackoffFactory creates the backoff which paces the re-scan of a
	// saturated pool while a caller waits for a connection.
	BackoffFactory func() backoff.Backoff

	// FailMode determines what a caller sees when the connection running
	// its query fails.
	FailMode int
)

const (
	// FailSoft converts a failed query into an empty result whose Err
	// field holds the cause. No error is returned to the caller.
	FailSoft FailMode = iota

	// FailLoud returns the failure as an error.
	FailLoud
)

// DefaultPort is the port of the ClickHouse native protocol.
const DefaultPort = 9000

func (m FailMode) String() string {
	switch m {
	case FailSoft:
		return "soft"
	case FailLoud:
		return "loud"
	}

	return "unknown"
}

func noopBreakerFunc(f overcurrent.BreakerFunc) error {
	return f(context.Background())
}

func defaultBackoffFactory() backoff.Backoff {
	return backoff.NewExponentialBackoff(time.Millisecond, time.Millisecond*100)
}

func newConfig(host string, configs []ConfigFunc) (*poolConfig, error) {
	config := &poolConfig{
		host:           host,
		port:           DefaultPort,
		database:       "default",
		user:           "default",
		password:       "",
		clientName:     "chpool",
		dialTimeout:    time.Second * 5,
		maxConnections: 10,
		prewarm:        1,
		borrowTimeout:  nil,
		failMode:       FailSoft,
		breakerFunc:    noopBreakerFunc,
		backoffFactory: defaultBackoffFactory,
		clock:          glock.NewRealClock(),
		logger:         &defaultLogger{},
	}

	for _, f := range configs {
		f(config)
	}

	if config.maxConnections < 1 {
		return nil, errors.Errorf("max connections must be positive (got %d)", config.maxConnections)
	}

	if config.prewarm < 0 || config.prewarm > config.maxConnections {
		return nil, errors.Errorf("prewarm must be between 0 and %d (got %d)", config.maxConnections, config.prewarm)
	}

	if config.dialer == nil {
		config.dialer = makeDialer(config)
	}

	return config, nil
}

// WithPort sets the native protocol port (default is 9000).
func WithPort(port int) ConfigFunc {
	return func(c *poolConfig) { c.port = port }
}

// WithDatabase sets the default database (default is "default").
func WithDatabase(database string) ConfigFunc {
	return func(c *poolConfig) { c.database = database }
}

// WithUser sets the user name (default is "default").
func WithUser(user string) ConfigFunc {
	return func(c *poolConfig) { c.user = user }
}

// WithPassword sets the password (default is "").
func WithPassword(password string) ConfigFunc {
	return func(c *poolConfig) { c.password = password }
}

// WithClientName sets the client name reported to the server
// (default is "chpool").
func WithClientName(name string) ConfigFunc {
	return func(c *poolConfig) { c.clientName = name }
}

// WithSettings sets server settings which are sent along with every
// query run on a connection of the pool.
func WithSettings(settings map[string]string) ConfigFunc {
	return func(c *poolConfig) { c.settings = settings }
}

// WithClientOptions registers a function which may modify the ch-go
// options of every new connection, e.g. to enable compression or TLS.
// Functions run in registration order after the named options have
// been applied.
func WithClientOptions(f func(*ch.Options)) ConfigFunc {
	return func(c *poolConfig) { c.clientOptions = append(c.clientOptions, f) }
}

// WithDialTimeout sets the connect timeout for new connections
// (default is 5 seconds).
func WithDialTimeout(timeout time.Duration) ConfigFunc {
	return func(c *poolConfig) { c.dialTimeout = timeout }
}

// WithMaxConnections sets the maximum number of connections the pool
// will hold open at once (default is 10).
func WithMaxConnections(maxConnections int) ConfigFunc {
	return func(c *poolConfig) { c.maxConnections = maxConnections }
}

// WithPrewarm sets the number of connections dialed when the pool is
// created (default is 1).
func WithPrewarm(prewarm int) ConfigFunc {
	return func(c *poolConfig) { c.prewarm = prewarm }
}

// WithBorrowTimeout sets the maximum time a query will wait for a
// connection of a saturated pool. The default waits indefinitely (or
// until the query's context is canceled).
func WithBorrowTimeout(timeout time.Duration) ConfigFunc {
	return func(c *poolConfig) { c.borrowTimeout = &timeout }
}

// WithFailMode sets the behavior of a query whose connection fails
// (default is FailSoft).
func WithFailMode(mode FailMode) ConfigFunc {
	return func(c *poolConfig) { c.failMode = mode }
}

// WithBreaker sets the circuit breaker instance to use around new
// connections and reconnects. The default uses a no-op circuit breaker.
func WithBreaker(breaker overcurrent.CircuitBreaker) ConfigFunc {
	return func(c *poolConfig) { c.breakerFunc = breaker.Call }
}

// WithBreakerRegistry sets the overcurrent registry to use and the
// name of the circuit breaker config to use around new connections.
// The default uses a no-op circuit breaker.
func WithBreakerRegistry(registry overcurrent.Registry, name string) ConfigFunc {
	return func(c *poolConfig) {
		c.breakerFunc = func(f overcurrent.BreakerFunc) error {
			return registry.Call(name, f, nil)
		}
	}
}

// WithBackoff sets the factory of the backoff used to pace waiting on
// a saturated pool (default is exponential between 1ms and 100ms).
func WithBackoff(factory BackoffFactory) ConfigFunc {
	return func(c *poolConfig) { c.backoffFactory = factory }
}

// WithDialer replaces the ch-go dialer used to create new connections.
func WithDialer(dialer DialFunc) ConfigFunc {
	return func(c *poolConfig) { c.dialer = dialer }
}

// WithLogger sets the logger instance (the default will use Go's
// builtin logging library).
func WithLogger(logger Logger) ConfigFunc {
	return func(c *poolConfig) { c.logger = logger }
}

func withBreakerFunc(breakerFunc BreakerFunc) ConfigFunc {
	return func(c *poolConfig) { c.breakerFunc = breakerFunc }
}

func withClock(clock glock.Clock) ConfigFunc {
	return func(c *poolConfig) { c.clock = clock }
}
