package forwarders

import (
	"github.com/bifrost/modbus-gateway/internal/polling"
)

// wireEvent is the JSON shape published downstream. MeasurementSample
// itself is not JSON-serializable by design (its payload is a tagged
// variant behind typed accessors), so forwarders flatten it here.
type wireEvent struct {
	DeviceID  string        `json:"device_id"`
	Timestamp int64         `json:"timestamp_unix_ms"`
	Samples   []wireSample  `json:"samples"`
}

type wireSample struct {
	ID     string      `json:"id"`
	Value  interface{} `json:"value"`
}

func eventToWire(event polling.MeasurementEvent) wireEvent {
	samples := make([]wireSample, 0, len(event.Samples))
	for _, s := range event.Samples {
		samples = append(samples, wireSample{ID: s.Definition.ID, Value: sampleValue(s)})
	}
	return wireEvent{
		DeviceID:  event.DeviceID,
		Timestamp: event.Timestamp.UnixMilli(),
		Samples:   samples,
	}
}

func sampleValue(s polling.MeasurementSample) interface{} {
	if v, ok := s.Bool(); ok {
		return v
	}
	if v, ok := s.Bools(); ok {
		return v
	}
	if v, ok := s.Register(); ok {
		return v
	}
	if v, ok := s.Registers(); ok {
		return v
	}
	return nil
}
