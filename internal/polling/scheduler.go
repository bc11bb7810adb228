package polling

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/metrics"
	"github.com/bifrost/modbus-gateway/internal/modbustag"
)

// Publisher receives each MeasurementEvent a PollingScheduler produces.
// *eventbus.Bus implements it.
type Publisher interface {
	Publish(event MeasurementEvent)
}

// PollingScheduler periodically triggers each registered device's poll
// cycle, reassembles results into MeasurementEvents, and publishes them on
// an EventBus.
type PollingScheduler struct {
	bus     Publisher
	metrics metrics.Sink
	logger  *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	devices  map[string]*deviceTask
	closed   bool
}

// NewScheduler builds a scheduler publishing to bus. A nil metrics.Sink or
// zap.Logger is replaced with a no-op implementation. The shared worker
// pool is sized max(2, runtime.NumCPU()).
func NewScheduler(bus Publisher, sink metrics.Sink, logger *zap.Logger) *PollingScheduler {
	if sink == nil {
		sink = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := runtime.NumCPU()
	if poolSize < 2 {
		poolSize = 2
	}
	return &PollingScheduler{
		bus:     bus,
		metrics: sink,
		logger:  logger,
		sem:     make(chan struct{}, poolSize),
		devices: make(map[string]*deviceTask),
	}
}

type deviceTask struct {
	cfg      *DevicePollingConfig
	inFlight atomic.Bool

	mu        sync.Mutex
	lastError error

	cancel context.CancelFunc
	done   chan struct{}
}

// RegisterDevice starts polling cfg.DeviceID. It fails if the device is
// already registered or the planner yielded zero batches.
func (s *PollingScheduler) RegisterDevice(ctx context.Context, cfg *DevicePollingConfig) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ConfigError{Reason: "scheduler is closed"}
	}
	if _, exists := s.devices[cfg.DeviceID]; exists {
		s.mu.Unlock()
		return &ConfigError{Reason: fmt.Sprintf("device %s already registered", cfg.DeviceID)}
	}
	if len(cfg.Batches()) == 0 {
		s.mu.Unlock()
		return &ConfigError{Reason: fmt.Sprintf("device %s: planner produced no batches", cfg.DeviceID)}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &deviceTask{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	s.devices[cfg.DeviceID] = task
	s.mu.Unlock()

	if err := cfg.ConnectionManager.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.devices, cfg.DeviceID)
		s.mu.Unlock()
		return err
	}

	go s.run(taskCtx, task)
	return nil
}

// UnregisterDevice cancels the device's future ticks and stops its
// ConnectionManager. Canceling the task also cancels the context of a tick
// already in flight; UnregisterDevice waits for that tick to return before
// stopping the manager. Idempotent on unknown ids.
func (s *PollingScheduler) UnregisterDevice(deviceID string) error {
	s.mu.Lock()
	task, exists := s.devices[deviceID]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.devices, deviceID)
	s.mu.Unlock()

	task.cancel()
	<-task.done
	return task.cfg.ConnectionManager.Close()
}

// IsRegistered reports whether deviceID currently has an active task.
func (s *PollingScheduler) IsRegistered(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[deviceID]
	return ok
}

// LastError returns the most recent poll-cycle error for deviceID, if any.
func (s *PollingScheduler) LastError(deviceID string) error {
	s.mu.Lock()
	task, ok := s.devices[deviceID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.lastError
}

// Close cancels every task (interrupting in-flight ticks by canceling their
// context), stops every ConnectionManager, and clears registrations.
func (s *PollingScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tasks := make([]*deviceTask, 0, len(s.devices))
	for _, t := range s.devices {
		tasks = append(tasks, t)
	}
	s.devices = make(map[string]*deviceTask)
	s.mu.Unlock()

	var firstErr error
	for _, t := range tasks {
		t.cancel()
		<-t.done
		if err := t.cfg.ConnectionManager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *PollingScheduler) run(ctx context.Context, task *deviceTask) {
	defer close(task.done)

	if task.cfg.InitialDelay > 0 {
		select {
		case <-time.After(task.cfg.InitialDelay):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(task.cfg.PollInterval)
	defer ticker.Stop()

	var ticks sync.WaitGroup
	defer ticks.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticks.Add(1)
			go func() {
				defer ticks.Done()
				s.tick(ctx, task)
			}()
		}
	}
}

// tick runs one poll cycle for task, acquiring a worker-pool slot first.
// The in_flight guard, not the pool, is what drops overlapping ticks for a
// single device; the pool only bounds concurrency across devices.
func (s *PollingScheduler) tick(ctx context.Context, task *deviceTask) {
	if !task.inFlight.CompareAndSwap(false, true) {
		s.metrics.Count("modbus.poll.backpressure", 1, map[string]string{"device": task.cfg.DeviceID})
		return
	}
	defer task.inFlight.Store(false)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	event, err := s.runCycle(ctx, task.cfg)
	if err != nil {
		task.mu.Lock()
		task.lastError = err
		task.mu.Unlock()
		s.metrics.Count("modbus.poll.errors", 1, map[string]string{"device": task.cfg.DeviceID})
		s.logger.Warn("poll cycle failed", zap.String("device", task.cfg.DeviceID), zap.Error(err))
		return
	}

	task.mu.Lock()
	task.lastError = nil
	task.mu.Unlock()

	if len(event.Samples) > 0 {
		s.bus.Publish(event)
	}
}

// runCycle executes every batch for cfg in order, reassembles samples in
// declared order, and returns the resulting event.
func (s *PollingScheduler) runCycle(ctx context.Context, cfg *DevicePollingConfig) (MeasurementEvent, error) {
	start := time.Now()

	byDefID := make(map[string]MeasurementSample, len(cfg.Measurements))
	for _, batch := range cfg.Batches() {
		if err := s.readBatch(ctx, cfg, batch, byDefID); err != nil {
			return MeasurementEvent{}, err
		}
	}

	samples := make([]MeasurementSample, 0, len(cfg.Measurements))
	for _, def := range cfg.Measurements {
		sample, ok := byDefID[def.ID]
		if !ok {
			return MeasurementEvent{}, fmt.Errorf("polling: missing sample for %s after batch read", def.ID)
		}
		samples = append(samples, sample)
	}

	s.metrics.Timing("modbus.poll.duration", time.Since(start), map[string]string{"device": cfg.DeviceID})

	return MeasurementEvent{
		DeviceID:  cfg.DeviceID,
		Timestamp: time.Now(),
		Samples:   samples,
	}, nil
}

func (s *PollingScheduler) readBatch(ctx context.Context, cfg *DevicePollingConfig, batch Batch, out map[string]MeasurementSample) error {
	mgr := cfg.ConnectionManager

	if batch.Category.IsBoolean() {
		values, err := readBools(ctx, mgr, batch.Category, batch.StartAddress, batch.Count)
		if err != nil {
			return err
		}
		if len(values) < batch.Count {
			return fmt.Errorf("polling: batch at %s:%d returned %d values, want %d", batch.Category, batch.StartAddress, len(values), batch.Count)
		}
		for _, slice := range batch.Slices {
			if slice.Definition.Count == 1 {
				out[slice.Definition.ID] = newBoolScalarSample(slice.Definition, values[slice.Offset])
				continue
			}
			seq := make([]bool, slice.Definition.Count)
			copy(seq, values[slice.Offset:slice.Offset+slice.Definition.Count])
			out[slice.Definition.ID] = newBoolSeqSample(slice.Definition, seq)
		}
		return nil
	}

	values, err := readShorts(ctx, mgr, batch.Category, batch.StartAddress, batch.Count)
	if err != nil {
		return err
	}
	if len(values) < batch.Count {
		return fmt.Errorf("polling: batch at %s:%d returned %d values, want %d", batch.Category, batch.StartAddress, len(values), batch.Count)
	}
	for _, slice := range batch.Slices {
		if slice.Definition.Count == 1 {
			out[slice.Definition.ID] = newRegScalarSample(slice.Definition, values[slice.Offset])
			continue
		}
		seq := make([]uint16, slice.Definition.Count)
		copy(seq, values[slice.Offset:slice.Offset+slice.Definition.Count])
		out[slice.Definition.ID] = newRegSeqSample(slice.Definition, seq)
	}
	return nil
}

func readBools(ctx context.Context, mgr *connmgr.ConnectionManager, cat modbustag.Category, address, count int) ([]bool, error) {
	if cat == modbustag.Coil {
		return mgr.ReadCoils(ctx, address, count)
	}
	return mgr.ReadDiscreteInputs(ctx, address, count)
}

func readShorts(ctx context.Context, mgr *connmgr.ConnectionManager, cat modbustag.Category, address, count int) ([]uint16, error) {
	if cat == modbustag.HoldingRegister {
		return mgr.ReadHoldingRegisters(ctx, address, count)
	}
	return mgr.ReadInputRegisters(ctx, address, count)
}
