package forwarders

import (
	"testing"
	"time"

	"github.com/bifrost/modbus-gateway/internal/polling"
)

func TestEventToWirePreservesDeviceIDAndTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	event := polling.MeasurementEvent{
		DeviceID:  "dev-1",
		Timestamp: now,
	}

	wire := eventToWire(event)
	if wire.DeviceID != "dev-1" {
		t.Fatalf("expected device id dev-1, got %s", wire.DeviceID)
	}
	if wire.Timestamp != now.UnixMilli() {
		t.Fatalf("expected timestamp %d, got %d", now.UnixMilli(), wire.Timestamp)
	}
	if len(wire.Samples) != 0 {
		t.Fatalf("expected no samples on an empty event, got %d", len(wire.Samples))
	}
}
