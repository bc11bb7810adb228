// Package metrics defines the MetricsSink boundary used across the gateway
// and a Prometheus-backed implementation of it, grounded in the teacher
// gateway's metrics registration (formerly build-tag gated, now always on).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the narrow metrics interface the rest of the system depends on.
// Tags are rendered as Prometheus label values; implementations that don't
// support labels may ignore them.
type Sink interface {
	Count(name string, delta int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, d time.Duration, tags map[string]string)
}

type noopSink struct{}

func (noopSink) Count(string, int64, map[string]string)        {}
func (noopSink) Gauge(string, float64, map[string]string)      {}
func (noopSink) Timing(string, time.Duration, map[string]string) {}

// Noop returns a Sink that discards everything, for tests and components
// that don't wire metrics.
func Noop() Sink { return noopSink{} }

// PrometheusSink registers and serves the gauges, counters and histograms
// this system emits.
type PrometheusSink struct {
	registry *prometheus.Registry

	requestDuration  *prometheus.HistogramVec
	requestErrors    *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	pollErrors       *prometheus.CounterVec
	pollBackpressure *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	gauges           *prometheus.GaugeVec
}

// NewPrometheusSink builds a sink with its own registry so the gateway's
// /metrics endpoint exposes exactly these series; no Go runtime collectors
// are registered.
func NewPrometheusSink() *PrometheusSink {
	registry := prometheus.NewRegistry()

	s := &PrometheusSink{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modbus_request_duration_seconds",
			Help:    "Duration of a single Modbus read or write operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connection", "op"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_request_errors_total",
			Help: "Count of failed Modbus operations.",
		}, []string{"connection", "op", "reason"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modbus_poll_duration_seconds",
			Help:    "Duration of one device's full poll cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_poll_errors_total",
			Help: "Count of failed poll cycles.",
		}, []string{"device"}),
		pollBackpressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_poll_backpressure_total",
			Help: "Count of poll ticks skipped because a previous poll was still in flight.",
		}, []string{"device"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modbus_connection_reconnects_total",
			Help: "Count of successful reconnects per connection.",
		}, []string{"connection"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modbus_gateway_gauge",
			Help: "Generic gauge values emitted by the gateway, keyed by name.",
		}, []string{"name"}),
	}

	registry.MustRegister(s.requestDuration, s.requestErrors, s.pollDuration, s.pollErrors, s.pollBackpressure, s.reconnects, s.gauges)
	return s
}

// Registry exposes the underlying registry so the HTTP layer can serve it
// with promhttp.HandlerFor.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

func (s *PrometheusSink) Count(name string, delta int64, tags map[string]string) {
	switch name {
	case "modbus.request.errors":
		s.requestErrors.With(labels(tags, "connection", "op", "reason")).Add(float64(delta))
	case "modbus.poll.errors":
		s.pollErrors.With(labels(tags, "device")).Add(float64(delta))
	case "modbus.poll.backpressure":
		s.pollBackpressure.With(labels(tags, "device")).Add(float64(delta))
	case "modbus.connection.reconnects":
		s.reconnects.With(labels(tags, "connection")).Add(float64(delta))
	}
}

func (s *PrometheusSink) Gauge(name string, value float64, tags map[string]string) {
	s.gauges.With(prometheus.Labels{"name": name}).Set(value)
}

func (s *PrometheusSink) Timing(name string, d time.Duration, tags map[string]string) {
	switch name {
	case "modbus.request.duration":
		s.requestDuration.With(labels(tags, "connection", "op")).Observe(d.Seconds())
	case "modbus.poll.duration":
		s.pollDuration.With(labels(tags, "device")).Observe(d.Seconds())
	}
}

// labels builds a prometheus.Labels from tags, defaulting missing keys to
// "" so With never panics on a short map.
func labels(tags map[string]string, keys ...string) prometheus.Labels {
	out := make(prometheus.Labels, len(keys))
	for _, k := range keys {
		out[k] = tags[k]
	}
	return out
}
