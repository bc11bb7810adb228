package connmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/transport"
	"github.com/bifrost/modbus-gateway/internal/transporttest"
)

func testOptions() connmgr.Options {
	return connmgr.Options{
		ConnectionString: "modbus:tcp://10.0.0.1:502",
		RequestTimeout:   100 * time.Millisecond,
		BackoffBase:      5 * time.Millisecond,
		BackoffMax:       20 * time.Millisecond,
		MaxRetries:       2,
	}
}

func okResponse(tag string) transport.Response {
	return transport.NewResponse(
		map[string]transport.ResponseCode{tag: transport.ResponseOK},
		nil,
		map[string][]uint16{tag: {42}},
	)
}

func waitForConnected(t *testing.T, mgr *connmgr.ConnectionManager, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for !mgr.IsConnected() {
		select {
		case <-deadline:
			t.Fatal("manager never reported connected")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Open failures at startup are retried with backoff until a dial succeeds,
// and the attempt counter records every failed dial.
func TestManagerReconnectsAfterOpenFailures(t *testing.T) {
	driver := &transporttest.FakeDriver{
		OpenFailures: 2,
		Exec: func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
			return okResponse(tags[0]), nil
		},
	}

	mgr, err := connmgr.New("dev-1", driver, testOptions())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Start(context.Background()))
	waitForConnected(t, mgr, 2*time.Second)

	h := mgr.Health()
	assert.GreaterOrEqual(t, h.ReconnectAttempts, int64(2))

	val, err := mgr.ReadHoldingRegister(context.Background(), 100)
	require.NoError(t, err)
	assert.EqualValues(t, 42, val)
}

// A request that never returns within its deadline classifies as a
// TimeoutError, which is retryable. The retry then finds the connection
// dropped, so the error returned after the last attempt may instead be that
// retry's TransportError.
func TestManagerClassifiesTimeout(t *testing.T) {
	driver := &transporttest.FakeDriver{
		Exec: func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return okResponse(tags[0]), nil
			}
		},
	}

	opts := testOptions()
	opts.RequestTimeout = 20 * time.Millisecond
	opts.MaxRetries = 1

	mgr, err := connmgr.New("dev-2", driver, opts)
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Start(context.Background()))
	waitForConnected(t, mgr, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = mgr.ReadHoldingRegister(ctx, 1)
	require.Error(t, err)

	_, isTimeout := err.(*connmgr.TimeoutError)
	_, isTransport := err.(*connmgr.TransportError)
	assert.True(t, isTimeout || isTransport, "expected TimeoutError or TransportError, got %T: %v", err, err)
}

// Reconnect attempts never decrease, even across many cycles.
func TestReconnectAttemptsMonotonic(t *testing.T) {
	driver := &transporttest.FakeDriver{
		OpenFailures: 5,
		Exec: func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
			return okResponse(tags[0]), nil
		},
	}

	mgr, err := connmgr.New("dev-3", driver, testOptions())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.Start(context.Background()))

	last := int64(0)
	deadline := time.After(2 * time.Second)
	for {
		h := mgr.Health()
		require.GreaterOrEqual(t, h.ReconnectAttempts, last)
		last = h.ReconnectAttempts
		if mgr.IsConnected() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("manager never connected")
		case <-time.After(2 * time.Millisecond):
		}
	}
}
