package polling

import (
	"time"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
)

// DevicePollingConfig is the immutable description of what to poll on one
// device, and how often.
type DevicePollingConfig struct {
	DeviceID         string
	PollInterval     time.Duration
	InitialDelay     time.Duration
	ConnectionManager *connmgr.ConnectionManager
	Measurements     []MeasurementDefinition
	batches          []Batch
}

// ConfigError reports an invalid DevicePollingConfig builder input.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "polling: config error: " + e.Reason
}

// ConfigBuilder builds a DevicePollingConfig, rejecting duplicate
// measurement ids, invalid durations, overlapping ranges, and an empty
// measurement list before the object is constructed.
type ConfigBuilder struct {
	deviceID     string
	pollInterval time.Duration
	initialDelay time.Duration
	conn         *connmgr.ConnectionManager
	measurements []MeasurementDefinition
}

// NewConfigBuilder starts a builder for deviceID with the documented
// defaults: poll_interval 5s, initial_delay 0.
func NewConfigBuilder(deviceID string, conn *connmgr.ConnectionManager) *ConfigBuilder {
	return &ConfigBuilder{
		deviceID:     deviceID,
		pollInterval: 5 * time.Second,
		initialDelay: 0,
		conn:         conn,
	}
}

func (b *ConfigBuilder) PollInterval(d time.Duration) *ConfigBuilder {
	b.pollInterval = d
	return b
}

func (b *ConfigBuilder) InitialDelay(d time.Duration) *ConfigBuilder {
	b.initialDelay = d
	return b
}

// AddMeasurement appends one measurement definition in declared order.
func (b *ConfigBuilder) AddMeasurement(def MeasurementDefinition) *ConfigBuilder {
	b.measurements = append(b.measurements, def)
	return b
}

// Build validates and constructs the config. Overlapping ranges within a
// category are rejected here, per the stricter of the two options the
// source leaves open.
func (b *ConfigBuilder) Build() (*DevicePollingConfig, error) {
	if b.deviceID == "" {
		return nil, &ConfigError{Reason: "device_id must not be empty"}
	}
	if b.pollInterval <= 0 {
		return nil, &ConfigError{Reason: "poll_interval must be > 0"}
	}
	if b.initialDelay < 0 {
		return nil, &ConfigError{Reason: "initial_delay must be >= 0"}
	}
	if b.conn == nil {
		return nil, &ConfigError{Reason: "connection manager must not be nil"}
	}
	if len(b.measurements) == 0 {
		return nil, &ConfigError{Reason: "measurement list must not be empty"}
	}

	seen := make(map[string]bool, len(b.measurements))
	for _, d := range b.measurements {
		if err := d.validate(); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		if seen[d.ID] {
			return nil, &ConfigError{Reason: "duplicate measurement id: " + d.ID}
		}
		seen[d.ID] = true
	}

	if err := rejectOverlaps(b.measurements); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	defs := make([]MeasurementDefinition, len(b.measurements))
	copy(defs, b.measurements)

	cfg := &DevicePollingConfig{
		DeviceID:          b.deviceID,
		PollInterval:      b.pollInterval,
		InitialDelay:      b.initialDelay,
		ConnectionManager: b.conn,
		Measurements:      defs,
	}
	cfg.batches = PlanBatches(defs)
	return cfg, nil
}

func rejectOverlaps(defs []MeasurementDefinition) error {
	byCategory := make(map[string][]MeasurementDefinition)
	for _, d := range defs {
		byCategory[string(d.Category)] = append(byCategory[string(d.Category)], d)
	}
	for _, group := range byCategory {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.Address < b.EndExclusive() && b.Address < a.EndExclusive() {
					return &overlapError{a: a.ID, b: b.ID}
				}
			}
		}
	}
	return nil
}

type overlapError struct {
	a, b string
}

func (e *overlapError) Error() string {
	return "overlapping measurement ranges: " + e.a + " and " + e.b
}

// Batches returns the batch plan computed once at Build time.
func (c *DevicePollingConfig) Batches() []Batch {
	return c.batches
}
