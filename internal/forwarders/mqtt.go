// Package forwarders adapts published MeasurementEvents onto downstream
// message brokers. Each forwarder is a plain eventbus.Subscriber; wiring
// one in is optional and configured by cmd/gateway.
package forwarders

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/polling"
)

// MQTTConfig configures an MQTTForwarder.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Retain      bool          `yaml:"retain"`
	ConnectWait time.Duration `yaml:"connect_wait"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "modbus-gateway"
	}
	if c.ConnectWait == 0 {
		c.ConnectWait = 5 * time.Second
	}
	return c
}

// MQTTForwarder publishes every MeasurementEvent it receives as JSON to
// "<topic-prefix>/<device_id>".
type MQTTForwarder struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger *zap.Logger

	published atomic.Int64
	errors    atomic.Int64
}

// NewMQTTForwarder dials the broker and returns a forwarder ready to
// subscribe to an eventbus.Bus.
func NewMQTTForwarder(cfg MQTTConfig, logger *zap.Logger) (*MQTTForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if cfg.Broker == "" {
		return nil, fmt.Errorf("forwarders: mqtt broker must not be empty")
	}

	f := &MQTTForwarder{cfg: cfg, logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectWait)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt forwarder connection lost", zap.Error(err))
	})

	f.client = mqtt.NewClient(opts)
	token := f.client.Connect()
	if !token.WaitTimeout(cfg.ConnectWait) {
		return nil, fmt.Errorf("forwarders: mqtt connect timed out after %s", cfg.ConnectWait)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("forwarders: mqtt connect: %w", err)
	}

	return f, nil
}

// OnEvent implements eventbus.Subscriber.
func (f *MQTTForwarder) OnEvent(event polling.MeasurementEvent) {
	payload, err := json.Marshal(eventToWire(event))
	if err != nil {
		f.errors.Add(1)
		f.logger.Error("mqtt forwarder: marshal failed", zap.Error(err))
		return
	}

	topic := fmt.Sprintf("%s/%s", f.cfg.TopicPrefix, event.DeviceID)
	token := f.client.Publish(topic, f.cfg.QoS, f.cfg.Retain, payload)
	if !token.WaitTimeout(f.cfg.ConnectWait) || token.Error() != nil {
		f.errors.Add(1)
		f.logger.Warn("mqtt forwarder: publish failed", zap.String("topic", topic))
		return
	}
	f.published.Add(1)
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (f *MQTTForwarder) Close() error {
	f.client.Disconnect(250)
	return nil
}
