// Package transporttest provides an in-memory transport.Driver double for
// exercising the ConnectionManager and PollingScheduler without a live
// Modbus endpoint.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bifrost/modbus-gateway/internal/transport"
)

// ErrFakeOpenFailed is returned by FakeDriver.Open while OpenFailures > 0.
var ErrFakeOpenFailed = errors.New("transporttest: simulated open failure")

// ExecFunc answers one read or write request. tags are the request's tag
// strings in request order; isWrite distinguishes a write request so a
// handler can apply different behavior.
type ExecFunc func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error)

// FakeDriver is a transport.Driver whose Open call can be scripted to fail
// a fixed number of times before succeeding, simulating TransportError
// during reconnect.
type FakeDriver struct {
	mu sync.Mutex

	// OpenFailures is how many more times Open should fail before it starts
	// succeeding. Decremented on every call.
	OpenFailures int

	// Exec answers every Execute call made against connections this driver
	// opens. Required.
	Exec ExecFunc

	opens     int64
	OpenCalls []string
}

func (d *FakeDriver) Open(connectionString string) (transport.Connection, error) {
	atomic.AddInt64(&d.opens, 1)

	d.mu.Lock()
	d.OpenCalls = append(d.OpenCalls, connectionString)
	if d.OpenFailures > 0 {
		d.OpenFailures--
		d.mu.Unlock()
		return nil, ErrFakeOpenFailed
	}
	d.mu.Unlock()

	return &FakeConnection{exec: d.Exec}, nil
}

// Opens is how many times Open has been called, successful or not.
func (d *FakeDriver) Opens() int64 {
	return atomic.LoadInt64(&d.opens)
}

// FakeConnection is the transport.Connection returned by FakeDriver.
type FakeConnection struct {
	exec ExecFunc

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (c *FakeConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *FakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.closed = true
	return nil
}

func (c *FakeConnection) NewReadRequest() transport.ReadRequestBuilder {
	return &fakeReadRequest{conn: c}
}

func (c *FakeConnection) NewWriteRequest() transport.WriteRequestBuilder {
	return &fakeWriteRequest{conn: c}
}

type fakeReadRequest struct {
	conn *FakeConnection
	tags []string
}

func (r *fakeReadRequest) AddRead(tag string) transport.ReadRequestBuilder {
	r.tags = append(r.tags, tag)
	return r
}

func (r *fakeReadRequest) Execute(ctx context.Context) (transport.Response, error) {
	return r.conn.exec(ctx, r.tags, false)
}

type fakeWriteRequest struct {
	conn *FakeConnection
	tags []string
}

func (w *fakeWriteRequest) AddWriteBool(tag string, value bool) transport.WriteRequestBuilder {
	w.tags = append(w.tags, tag)
	return w
}

func (w *fakeWriteRequest) AddWriteBools(tag string, values []bool) transport.WriteRequestBuilder {
	w.tags = append(w.tags, tag)
	return w
}

func (w *fakeWriteRequest) AddWriteShort(tag string, value uint16) transport.WriteRequestBuilder {
	w.tags = append(w.tags, tag)
	return w
}

func (w *fakeWriteRequest) AddWriteShorts(tag string, values []uint16) transport.WriteRequestBuilder {
	w.tags = append(w.tags, tag)
	return w
}

func (w *fakeWriteRequest) Execute(ctx context.Context) (transport.Response, error) {
	return w.conn.exec(ctx, w.tags, true)
}
