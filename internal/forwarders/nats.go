package forwarders

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/polling"
)

// NATSConfig configures a NATSForwarder.
type NATSConfig struct {
	Server        string        `yaml:"server"`
	ClientID      string        `yaml:"client_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	ConnectWait   time.Duration `yaml:"connect_wait"`
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "modbus-gateway"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = time.Second
	}
	if c.ConnectWait == 0 {
		c.ConnectWait = 5 * time.Second
	}
	return c
}

// NATSForwarder publishes every MeasurementEvent it receives as JSON to
// "<subject-prefix>.<device_id>".
type NATSForwarder struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger *zap.Logger

	published atomic.Int64
	errors    atomic.Int64
}

// NewNATSForwarder dials the server and returns a forwarder ready to
// subscribe to an eventbus.Bus.
func NewNATSForwarder(cfg NATSConfig, logger *zap.Logger) (*NATSForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Server == "" {
		return nil, fmt.Errorf("forwarders: nats server must not be empty")
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats forwarder disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("nats forwarder reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(fmt.Sprintf("nats://%s", cfg.Server), opts...)
	if err != nil {
		return nil, fmt.Errorf("forwarders: nats connect: %w", err)
	}

	return &NATSForwarder{conn: conn, cfg: cfg, logger: logger}, nil
}

// OnEvent implements eventbus.Subscriber.
func (f *NATSForwarder) OnEvent(event polling.MeasurementEvent) {
	payload, err := json.Marshal(eventToWire(event))
	if err != nil {
		f.errors.Add(1)
		f.logger.Error("nats forwarder: marshal failed", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", f.cfg.SubjectPrefix, event.DeviceID)
	if err := f.conn.Publish(subject, payload); err != nil {
		f.errors.Add(1)
		f.logger.Warn("nats forwarder: publish failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	f.published.Add(1)
}

// Close drains and closes the NATS connection.
func (f *NATSForwarder) Close() error {
	return f.conn.Drain()
}
