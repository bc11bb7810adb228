package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestNoopSinkDiscardsEverything(t *testing.T) {
	s := Noop()
	s.Count("modbus.poll.errors", 1, nil)
	s.Gauge("anything", 1.0, nil)
	s.Timing("modbus.poll.duration", time.Second, nil)
}

func TestPrometheusSinkCountsReconnects(t *testing.T) {
	s := NewPrometheusSink()
	s.Count("modbus.connection.reconnects", 1, map[string]string{"connection": "dev-1"})
	s.Count("modbus.connection.reconnects", 1, map[string]string{"connection": "dev-1"})

	metricFamilies, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	var found *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "modbus_connection_reconnects_total" {
			found = mf
			break
		}
	}
	if found == nil {
		t.Fatal("expected modbus_connection_reconnects_total to be registered")
	}
	if got := found.Metric[0].Counter.GetValue(); got != 2 {
		t.Fatalf("expected counter value 2, got %v", got)
	}
}

func TestPrometheusSinkRecordsPollDurationByDevice(t *testing.T) {
	s := NewPrometheusSink()
	s.Timing("modbus.poll.duration", 50*time.Millisecond, map[string]string{"device": "dev-1"})

	metricFamilies, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, mf := range metricFamilies {
		if mf.GetName() == "modbus_poll_duration_seconds" {
			if mf.Metric[0].Histogram.GetSampleCount() != 1 {
				t.Fatalf("expected one observation, got %d", mf.Metric[0].Histogram.GetSampleCount())
			}
			for _, l := range mf.Metric[0].Label {
				if l.GetName() == "device" && l.GetValue() == "dev-1" {
					return
				}
			}
			t.Fatal("expected a device=dev-1 label on modbus_poll_duration_seconds")
		}
	}
	t.Fatal("expected modbus_poll_duration_seconds to be registered")
}

func TestPrometheusSinkRecordsRequestDurationByConnectionAndOp(t *testing.T) {
	s := NewPrometheusSink()
	s.Timing("modbus.request.duration", 10*time.Millisecond, map[string]string{"connection": "dev-1", "op": "read"})

	metricFamilies, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, mf := range metricFamilies {
		if mf.GetName() == "modbus_request_duration_seconds" {
			if mf.Metric[0].Histogram.GetSampleCount() != 1 {
				t.Fatalf("expected one observation, got %d", mf.Metric[0].Histogram.GetSampleCount())
			}
			return
		}
	}
	t.Fatal("expected modbus_request_duration_seconds to be registered")
}

func TestPrometheusSinkCountsPollErrorsByDevice(t *testing.T) {
	s := NewPrometheusSink()
	s.Count("modbus.poll.errors", 1, map[string]string{"device": "dev-1"})

	metricFamilies, err := s.Registry().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	for _, mf := range metricFamilies {
		if mf.GetName() == "modbus_poll_errors_total" {
			if mf.Metric[0].Counter.GetValue() != 1 {
				t.Fatalf("expected counter value 1, got %v", mf.Metric[0].Counter.GetValue())
			}
			return
		}
	}
	t.Fatal("expected modbus_poll_errors_total to be registered")
}
