package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/eventbus"
	"github.com/bifrost/modbus-gateway/internal/forwarders"
	"github.com/bifrost/modbus-gateway/internal/gateway"
	"github.com/bifrost/modbus-gateway/internal/metrics"
	"github.com/bifrost/modbus-gateway/internal/modbustag"
	"github.com/bifrost/modbus-gateway/internal/polling"
	"github.com/bifrost/modbus-gateway/internal/resilience"
	"github.com/bifrost/modbus-gateway/internal/transport"
)

// Config is the top-level gateway.yaml document.
type Config struct {
	Port     int            `yaml:"port"`
	LogLevel string         `yaml:"log_level"`
	Devices  []DeviceConfig `yaml:"devices"`

	Forwarders struct {
		MQTT *forwarders.MQTTConfig `yaml:"mqtt"`
		NATS *forwarders.NATSConfig `yaml:"nats"`
	} `yaml:"forwarders"`
}

// DeviceConfig describes one Modbus endpoint to connect and poll. Every
// time.Duration field is given in the YAML file as a Go duration string
// such as "5s" or "250ms": yaml.v3 parses such strings into time.Duration
// and rejects a plain number for a time.Duration field.
type DeviceConfig struct {
	ID               string              `yaml:"id"`
	ConnectionString string              `yaml:"connection_string"`
	RequestTimeout   time.Duration       `yaml:"request_timeout"`
	MaxRetries       int                 `yaml:"max_retries"`
	InitialBackoff   time.Duration       `yaml:"initial_backoff"`
	MaxBackoff       time.Duration       `yaml:"max_backoff"`
	Jitter           float64             `yaml:"jitter"`
	PollInterval     time.Duration       `yaml:"poll_interval"`
	InitialDelay     time.Duration       `yaml:"initial_delay"`
	Measurements     []MeasurementConfig `yaml:"measurements"`
}

// MeasurementConfig is one entry in a device's measurement list.
type MeasurementConfig struct {
	ID       string `yaml:"id"`
	Category string `yaml:"category"`
	Address  int    `yaml:"address"`
	Count    int    `yaml:"count"`
}

func main() {
	var (
		configFile  = flag.String("config", "gateway.yaml", "Path to configuration file")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		port        = flag.Int("port", 0, "HTTP server port, overrides config")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck())
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	if *port != 0 {
		config.Port = *port
	}
	if *logLevel != "" {
		config.LogLevel = *logLevel
	}

	logger := setupLogger(config.LogLevel)
	defer logger.Sync()

	logger.Info("starting modbus gateway",
		zap.Int("port", config.Port),
		zap.Int("devices", len(config.Devices)),
	)

	sink := metrics.NewPrometheusSink()
	bus := eventbus.New(logger)
	gw := gateway.New(logger, sink, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := polling.NewScheduler(bus, sink, logger)

	driver := transport.NewGoburrowDriver(5 * time.Second)

	closers := wireForwarders(config, bus, logger)
	defer closeAll(closers)

	for _, dc := range config.Devices {
		if err := startDevice(ctx, dc, driver, sched, gw, sink, logger); err != nil {
			logger.Error("failed to start device", zap.String("device", dc.ID), zap.Error(err))
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: gw.Handler(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	if err := sched.Close(); err != nil {
		logger.Error("scheduler close failed", zap.Error(err))
	}

	logger.Info("gateway shutdown complete")
}

func startDevice(ctx context.Context, dc DeviceConfig, driver transport.Driver, sched *polling.PollingScheduler, gw *gateway.Gateway, sink metrics.Sink, logger *zap.Logger) error {
	mgr, err := connmgr.New(dc.ID, driver, connmgr.Options{
		ConnectionString: dc.ConnectionString,
		RequestTimeout:   dc.RequestTimeout,
		BackoffBase:      dc.InitialBackoff,
		BackoffMax:       dc.MaxBackoff,
		JitterFraction:   dc.Jitter,
		MaxRetries:       dc.MaxRetries,
		Breaker:          resilience.DefaultBreakerConfig(),
		Metrics:          sink,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("connmgr.New: %w", err)
	}
	gw.RegisterConnection(dc.ID, mgr)

	builder := polling.NewConfigBuilder(dc.ID, mgr)
	if dc.PollInterval > 0 {
		builder.PollInterval(dc.PollInterval)
	}
	if dc.InitialDelay > 0 {
		builder.InitialDelay(dc.InitialDelay)
	}
	for _, m := range dc.Measurements {
		cat, err := parseCategory(m.Category)
		if err != nil {
			return err
		}
		count := m.Count
		if count < 1 {
			count = 1
		}
		builder.AddMeasurement(polling.MeasurementDefinition{
			ID:       m.ID,
			Category: cat,
			Address:  m.Address,
			Count:    count,
		})
	}

	cfg, err := builder.Build()
	if err != nil {
		return fmt.Errorf("polling config: %w", err)
	}

	return sched.RegisterDevice(ctx, cfg)
}

func parseCategory(s string) (modbustag.Category, error) {
	cat := modbustag.Category(s)
	if !cat.Valid() {
		return "", fmt.Errorf("unknown measurement category %q", s)
	}
	return cat, nil
}

func wireForwarders(config *Config, bus *eventbus.Bus, logger *zap.Logger) []closer {
	var closers []closer

	if mc := config.Forwarders.MQTT; mc != nil {
		f, err := forwarders.NewMQTTForwarder(*mc, logger)
		if err != nil {
			logger.Error("mqtt forwarder not started", zap.Error(err))
		} else {
			bus.Subscribe(f)
			closers = append(closers, f)
		}
	}

	if nc := config.Forwarders.NATS; nc != nil {
		f, err := forwarders.NewNATSForwarder(*nc, logger)
		if err != nil {
			logger.Error("nats forwarder not started", zap.Error(err))
		} else {
			bus.Subscribe(f)
			closers = append(closers, f)
		}
	}

	return closers
}

type closer interface {
	Close() error
}

func closeAll(closers []closer) {
	for _, c := range closers {
		c.Close()
	}
}

func loadConfig(filename string) (*Config, error) {
	config := &Config{
		Port:     8080,
		LogLevel: "info",
	}

	if data, err := os.ReadFile(filename); err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, err
		}
	}

	for i := range config.Devices {
		d := &config.Devices[i]
		if d.RequestTimeout == 0 {
			d.RequestTimeout = 5 * time.Second
		}
		if d.MaxRetries == 0 {
			d.MaxRetries = 3
		}
		if d.InitialBackoff == 0 {
			d.InitialBackoff = 250 * time.Millisecond
		}
		if d.MaxBackoff == 0 {
			d.MaxBackoff = 10 * time.Second
		}
		if d.Jitter == 0 {
			d.Jitter = 0.2
		}
		if d.PollInterval == 0 {
			d.PollInterval = 5 * time.Second
		}
	}

	return config, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

func performHealthCheck() int {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return 0
	}
	return 1
}
