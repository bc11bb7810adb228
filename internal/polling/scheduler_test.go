package polling_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/eventbus"
	"github.com/bifrost/modbus-gateway/internal/modbustag"
	"github.com/bifrost/modbus-gateway/internal/polling"
	"github.com/bifrost/modbus-gateway/internal/transport"
	"github.com/bifrost/modbus-gateway/internal/transporttest"
)

func mustManager(t *testing.T, exec transporttest.ExecFunc) *connmgr.ConnectionManager {
	t.Helper()
	driver := &transporttest.FakeDriver{Exec: exec}
	mgr, err := connmgr.New(t.Name(), driver, connmgr.Options{
		ConnectionString: "modbus:tcp://127.0.0.1:502",
		RequestTimeout:   200 * time.Millisecond,
		BackoffBase:      2 * time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connmgr.New: %v", err)
	}
	return mgr
}

type captureSubscriber struct {
	mu     sync.Mutex
	events []polling.MeasurementEvent
}

func (c *captureSubscriber) OnEvent(e polling.MeasurementEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSubscriber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureSubscriber) last() polling.MeasurementEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

// Declared order is preserved across mixed categories even though the
// planner issues two separate batches.
func TestSchedulerPreservesDeclaredOrder(t *testing.T) {
	mgr := mustManager(t, func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
		cat, addr, count, err := modbustag.Parse(tags[0])
		if err != nil {
			t.Fatalf("parse tag: %v", err)
		}
		switch cat {
		case modbustag.HoldingRegister:
			return transport.NewResponse(
				map[string]transport.ResponseCode{tags[0]: transport.ResponseOK},
				nil,
				map[string][]uint16{tags[0]: regRange(addr, count)},
			), nil
		case modbustag.Coil:
			return transport.NewResponse(
				map[string]transport.ResponseCode{tags[0]: transport.ResponseOK},
				map[string][]bool{tags[0]: boolRange(count)},
				nil,
			), nil
		}
		t.Fatalf("unexpected category %v", cat)
		return nil, nil
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg, err := polling.NewConfigBuilder("dev", mgr).
		PollInterval(20 * time.Millisecond).
		AddMeasurement(polling.MeasurementDefinition{ID: "coil2", Category: modbustag.Coil, Address: 2, Count: 1}).
		AddMeasurement(polling.MeasurementDefinition{ID: "hr100", Category: modbustag.HoldingRegister, Address: 100, Count: 1}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	bus := eventbus.New(nil)
	sched := polling.NewScheduler(bus, nil, nil)
	sub := &captureSubscriber{}
	bus.Subscribe(sub)

	if err := sched.RegisterDevice(context.Background(), cfg); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	defer sched.Close()

	deadline := time.After(2 * time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no event published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	event := sub.last()
	if len(event.Samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(event.Samples))
	}
	if event.Samples[0].Definition.ID != "coil2" || event.Samples[1].Definition.ID != "hr100" {
		t.Fatalf("samples not in declared order: %s, %s", event.Samples[0].Definition.ID, event.Samples[1].Definition.ID)
	}
}

// Scenario 7: a slow tick must cause the intervening tick to register as
// backpressure without calling the driver again.
func TestSchedulerBackpressure(t *testing.T) {
	var calls int64
	release := make(chan struct{})

	mgr := mustManager(t, func(ctx context.Context, tags []string, isWrite bool) (transport.Response, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return transport.NewResponse(
			map[string]transport.ResponseCode{tags[0]: transport.ResponseOK},
			nil,
			map[string][]uint16{tags[0]: {1}},
		), nil
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cfg, err := polling.NewConfigBuilder("dev-slow", mgr).
		PollInterval(15 * time.Millisecond).
		AddMeasurement(polling.MeasurementDefinition{ID: "hr1", Category: modbustag.HoldingRegister, Address: 1, Count: 1}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	bus := eventbus.New(nil)
	sched := polling.NewScheduler(bus, nil, nil)
	if err := sched.RegisterDevice(context.Background(), cfg); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	defer sched.Close()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&calls) < 1 {
		select {
		case <-deadline:
			t.Fatal("driver never invoked")
		case <-time.After(2 * time.Millisecond):
		}
	}

	// Let at least one more tick interval pass while the first call is
	// still blocked, then release it.
	time.Sleep(60 * time.Millisecond)
	close(release)

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("driver invoked %d times while first poll was in flight, want 1", got)
	}
}

func regRange(start, count int) []uint16 {
	out := make([]uint16, count)
	for i := range out {
		out[i] = uint16(start + i)
	}
	return out
}

func boolRange(count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = true
	}
	return out
}
