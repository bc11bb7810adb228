// Package connmgr owns the lifecycle of one Modbus connection: dialing,
// reconnecting with backoff, retrying requests across a reconnect, and
// exposing typed read/write operations translated into the shared wire tag
// grammar (see internal/modbustag).
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/metrics"
	"github.com/bifrost/modbus-gateway/internal/modbustag"
	"github.com/bifrost/modbus-gateway/internal/resilience"
	"github.com/bifrost/modbus-gateway/internal/transport"
)

// Options configures a ConnectionManager.
type Options struct {
	// ConnectionString is passed verbatim to the Driver's Open method.
	ConnectionString string

	// RequestTimeout bounds every individual read or write. Zero selects
	// the 5s default.
	RequestTimeout time.Duration

	// BackoffBase and BackoffMax bound the reconnect delay; see backoffDelay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// JitterFraction is applied symmetrically around the computed delay,
	// e.g. 0.2 means +/-20%.
	JitterFraction float64

	// MaxRetries is how many times execute_with_retry re-attempts a failed
	// operation (including a forced reconnect) before giving up.
	MaxRetries int

	Breaker resilience.BreakerConfig
	Metrics metrics.Sink
	Logger  *zap.Logger
}

func (o *Options) setDefaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax == 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.JitterFraction == 0 {
		o.JitterFraction = 0.2
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if (o.Breaker == resilience.BreakerConfig{}) {
		o.Breaker = resilience.DefaultBreakerConfig()
	}
}

// ConnectionManager owns a single live connection to one Modbus endpoint,
// reconnecting it as needed and serializing retryable requests against it.
type ConnectionManager struct {
	id     string
	driver transport.Driver
	opts   Options

	conn atomic.Pointer[transport.Connection]

	reconnectAttempts atomic.Int64
	reconnectCount    atomic.Int64

	mu          sync.RWMutex
	state       ConnectionState
	connectedAt time.Time
	lastErr     error
	lastErrAt   time.Time

	breaker *resilience.Breaker

	closed   atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a ConnectionManager for the given device id and driver. The
// manager does not dial until Start is called.
func New(id string, driver transport.Driver, opts Options) (*ConnectionManager, error) {
	if id == "" {
		return nil, &ConfigError{Reason: "connection id must not be empty"}
	}
	if opts.ConnectionString == "" {
		return nil, &ConfigError{Reason: "connection string must not be empty"}
	}
	opts.setDefaults()

	m := &ConnectionManager{
		id:      id,
		driver:  driver,
		opts:    opts,
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
		breaker: resilience.NewBreaker(id, opts.Breaker, opts.Logger),
		rng:     rand.New(rand.NewSource(seedFor(id))),
	}
	return m, nil
}

func seedFor(id string) int64 {
	var h int64 = 1469598103934665603
	for _, b := range []byte(id) {
		h ^= int64(b)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// Start is idempotent: calling it while already started is a no-op. It
// kicks off the background reconnect loop and returns without waiting for
// the first connection attempt.
func (m *ConnectionManager) Start(ctx context.Context) error {
	if m.closed.Load() {
		return &ClosedError{}
	}

	m.mu.Lock()
	alreadyRunning := m.state != StateDisconnected || m.conn.Load() != nil
	m.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	m.setState(StateConnecting)
	m.wg.Add(1)
	go m.reconnectLoop()

	return nil
}

// IsConnected reports whether a live connection is currently held.
func (m *ConnectionManager) IsConnected() bool {
	c := m.conn.Load()
	return c != nil && (*c).IsConnected()
}

// Health returns a snapshot of the manager's current condition.
func (m *ConnectionManager) Health() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Health{
		State:             m.state,
		ConnectedSince:    m.connectedAt,
		LastError:         m.lastErr,
		LastErrorAt:       m.lastErrAt,
		ReconnectAttempts: m.reconnectAttempts.Load(),
		ReconnectCount:    m.reconnectCount.Load(),
	}
}

// Close stops the reconnect loop and releases the underlying connection.
// Close is idempotent; every operation attempted after Close returns
// ClosedError.
func (m *ConnectionManager) Close() error {
	var err error
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
		m.wg.Wait()

		if c := m.conn.Swap(nil); c != nil {
			err = (*c).Close()
		}
		m.setState(StateClosed)
	})
	return err
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	if s == StateConnected {
		m.connectedAt = time.Now()
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) recordError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.lastErrAt = time.Now()
	m.mu.Unlock()
}

// reconnectLoop dials, and on any transport failure waits out a backoff
// delay before retrying, until Close is called.
func (m *ConnectionManager) reconnectLoop() {
	defer m.wg.Done()

	attempt := 0
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		conn, err := m.driver.Open(m.opts.ConnectionString)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
			err = conn.Connect(ctx)
			cancel()
		}
		if err != nil {
			m.reconnectAttempts.Add(1)
			m.recordError(&TransportError{Op: "connect", Err: err})
			m.setState(StateConnecting)
			m.opts.Logger.Warn("modbus connect failed",
				zap.String("connection", m.id),
				zap.Int("attempt", attempt),
				zap.Error(err))

			delay := m.nextBackoff(attempt)
			attempt++
			select {
			case <-time.After(delay):
				continue
			case <-m.stopCh:
				return
			}
		}

		if old := m.conn.Swap(&conn); old != nil {
			m.reconnectCount.Add(1)
		}
		m.setState(StateConnected)
		m.opts.Logger.Info("modbus connected", zap.String("connection", m.id))
		m.opts.Metrics.Count("modbus.connection.reconnects", 1, map[string]string{"connection": m.id})

		attempt = 0
		<-m.awaitDisconnect(conn)

		select {
		case <-m.stopCh:
			return
		default:
		}
	}
}

func (m *ConnectionManager) nextBackoff(attempt int) time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return backoffDelay(attempt, m.opts.BackoffBase, m.opts.BackoffMax, m.opts.JitterFraction, m.rng)
}

// awaitDisconnect polls the connection's liveness so the reconnect loop can
// notice a socket drop between requests, not only when a request fails. It
// also returns, closing conn, once a failed request has dropped the
// connection reference.
func (m *ConnectionManager) awaitDisconnect(conn transport.Connection) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if m.conn.Load() == nil || !conn.IsConnected() {
					m.conn.CompareAndSwap(&conn, nil)
					conn.Close()
					return
				}
			}
		}
	}()
	return done
}

// executeRead runs a read built from f against the current connection,
// retrying through a forced reconnect on transport failure.
func (m *ConnectionManager) executeRead(ctx context.Context, build func(transport.ReadRequestBuilder)) (transport.Response, error) {
	return m.executeWithRetry(ctx, "read", func(ctx context.Context, conn transport.Connection) (transport.Response, error) {
		req := conn.NewReadRequest()
		build(req)
		return req.Execute(ctx)
	})
}

func (m *ConnectionManager) executeWrite(ctx context.Context, build func(transport.WriteRequestBuilder)) (transport.Response, error) {
	return m.executeWithRetry(ctx, "write", func(ctx context.Context, conn transport.Connection) (transport.Response, error) {
		req := conn.NewWriteRequest()
		build(req)
		return req.Execute(ctx)
	})
}

// executeWithRetry runs op against the live connection, applying the
// per-request timeout and the circuit breaker, and retrying
// Timeout/TransportError up to MaxRetries times, with a forced reconnect
// interleaved between attempts. A non-OK response code becomes a
// ProtocolError in the typed operations after this returns, so it is not
// retried.
func (m *ConnectionManager) executeWithRetry(ctx context.Context, opName string, op func(context.Context, transport.Connection) (transport.Response, error)) (transport.Response, error) {
	if m.closed.Load() {
		return nil, &ClosedError{}
	}

	start := time.Now()
	defer func() {
		m.opts.Metrics.Timing("modbus.request.duration", time.Since(start), map[string]string{"connection": m.id, "op": opName})
	}()

	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		c := m.conn.Load()
		if c == nil {
			lastErr = &TransportError{Op: opName, Err: fmt.Errorf("no connection")}
			m.waitForReconnectOrTimeout(ctx)
			continue
		}

		result, err := m.breaker.Execute(func() (interface{}, error) {
			reqCtx := ctx
			var cancel context.CancelFunc
			if m.opts.RequestTimeout > 0 {
				reqCtx, cancel = context.WithTimeout(ctx, m.opts.RequestTimeout)
				defer cancel()
			}
			return op(reqCtx, *c)
		})

		if err == nil {
			m.opts.Metrics.Count("modbus.request.errors", 0, map[string]string{"connection": m.id, "op": opName})
			return result.(transport.Response), nil
		}

		if resilience.IsOpenError(err) {
			m.opts.Metrics.Count("modbus.request.errors", 1, map[string]string{"connection": m.id, "op": opName, "reason": "unavailable"})
			return nil, &UnavailableError{Reason: fmt.Sprintf("circuit open for %s", m.id)}
		}

		if pe, ok := err.(*ProtocolError); ok {
			lastErr = pe
		} else {
			lastErr = classify(opName, ctx, err)
		}
		m.opts.Metrics.Count("modbus.request.errors", 1, map[string]string{"connection": m.id, "op": opName})
		m.recordError(lastErr)

		m.conn.CompareAndSwap(c, nil)
		m.setState(StateConnecting)
	}
	return nil, lastErr
}

func (m *ConnectionManager) waitForReconnectOrTimeout(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(m.opts.BackoffBase):
	case <-m.stopCh:
	}
}

func classify(op string, ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	return &TransportError{Op: op, Err: err}
}

// --- typed operations -------------------------------------------------

func (m *ConnectionManager) ReadCoil(ctx context.Context, address int) (bool, error) {
	vs, err := m.ReadCoils(ctx, address, 1)
	if err != nil {
		return false, err
	}
	return vs[0], nil
}

func (m *ConnectionManager) ReadCoils(ctx context.Context, address, count int) ([]bool, error) {
	return m.readBools(ctx, modbustag.Coil, address, count)
}

func (m *ConnectionManager) ReadDiscreteInput(ctx context.Context, address int) (bool, error) {
	vs, err := m.ReadDiscreteInputs(ctx, address, 1)
	if err != nil {
		return false, err
	}
	return vs[0], nil
}

func (m *ConnectionManager) ReadDiscreteInputs(ctx context.Context, address, count int) ([]bool, error) {
	return m.readBools(ctx, modbustag.DiscreteInput, address, count)
}

func (m *ConnectionManager) ReadHoldingRegister(ctx context.Context, address int) (uint16, error) {
	vs, err := m.ReadHoldingRegisters(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

func (m *ConnectionManager) ReadHoldingRegisters(ctx context.Context, address, count int) ([]uint16, error) {
	return m.readShorts(ctx, modbustag.HoldingRegister, address, count)
}

func (m *ConnectionManager) ReadInputRegister(ctx context.Context, address int) (uint16, error) {
	vs, err := m.ReadInputRegisters(ctx, address, 1)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

func (m *ConnectionManager) ReadInputRegisters(ctx context.Context, address, count int) ([]uint16, error) {
	return m.readShorts(ctx, modbustag.InputRegister, address, count)
}

func (m *ConnectionManager) WriteCoil(ctx context.Context, address int, value bool) error {
	return m.WriteCoils(ctx, address, []bool{value})
}

func (m *ConnectionManager) WriteCoils(ctx context.Context, address int, values []bool) error {
	tag := modbustag.Tag(modbustag.Coil, address, len(values))
	resp, err := m.executeWrite(ctx, func(w transport.WriteRequestBuilder) {
		w.AddWriteBools(tag, values)
	})
	if err != nil {
		return err
	}
	return codeToErr(tag, resp.Code(tag))
}

func (m *ConnectionManager) WriteHoldingRegister(ctx context.Context, address int, value uint16) error {
	return m.WriteHoldingRegisters(ctx, address, []uint16{value})
}

func (m *ConnectionManager) WriteHoldingRegisters(ctx context.Context, address int, values []uint16) error {
	tag := modbustag.Tag(modbustag.HoldingRegister, address, len(values))
	resp, err := m.executeWrite(ctx, func(w transport.WriteRequestBuilder) {
		w.AddWriteShorts(tag, values)
	})
	if err != nil {
		return err
	}
	return codeToErr(tag, resp.Code(tag))
}

func (m *ConnectionManager) readBools(ctx context.Context, cat modbustag.Category, address, count int) ([]bool, error) {
	if count < 1 {
		return nil, &ConfigError{Reason: "count must be >= 1"}
	}
	tag := modbustag.Tag(cat, address, count)
	resp, err := m.executeRead(ctx, func(r transport.ReadRequestBuilder) {
		r.AddRead(tag)
	})
	if err != nil {
		return nil, err
	}
	if err := codeToErr(tag, resp.Code(tag)); err != nil {
		return nil, err
	}
	vs := resp.AllBools(tag)
	if len(vs) == 0 {
		return nil, &ProtocolError{Tag: tag, Detail: "empty response"}
	}
	return vs, nil
}

func (m *ConnectionManager) readShorts(ctx context.Context, cat modbustag.Category, address, count int) ([]uint16, error) {
	if count < 1 {
		return nil, &ConfigError{Reason: "count must be >= 1"}
	}
	tag := modbustag.Tag(cat, address, count)
	resp, err := m.executeRead(ctx, func(r transport.ReadRequestBuilder) {
		r.AddRead(tag)
	})
	if err != nil {
		return nil, err
	}
	if err := codeToErr(tag, resp.Code(tag)); err != nil {
		return nil, err
	}
	vs := resp.AllShorts(tag)
	if len(vs) == 0 {
		return nil, &ProtocolError{Tag: tag, Detail: "empty response"}
	}
	return vs, nil
}

func codeToErr(tag string, code transport.ResponseCode) error {
	switch code {
	case transport.ResponseOK:
		return nil
	case transport.ResponseIllegalAddress:
		return &ProtocolError{Tag: tag, Detail: "illegal address"}
	case transport.ResponseIllegalValue:
		return &ProtocolError{Tag: tag, Detail: "illegal value"}
	case transport.ResponseDeviceFailure:
		return &ProtocolError{Tag: tag, Detail: "device failure"}
	default:
		return &ProtocolError{Tag: tag, Detail: "malformed response"}
	}
}
