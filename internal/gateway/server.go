// Package gateway is the outer HTTP/WebSocket surface described as an
// external collaborator: demo endpoints, a health aggregator over every
// registered ConnectionManager, a Prometheus scrape endpoint, and a
// WebSocket stream of published MeasurementEvents.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bifrost/modbus-gateway/internal/connmgr"
	"github.com/bifrost/modbus-gateway/internal/eventbus"
	"github.com/bifrost/modbus-gateway/internal/metrics"
	"github.com/bifrost/modbus-gateway/internal/polling"
)

// Gateway serves the demo, health, metrics and live-event HTTP surface in
// front of one or more ConnectionManagers and a shared EventBus.
type Gateway struct {
	logger *zap.Logger
	sink   *metrics.PrometheusSink
	bus    *eventbus.Bus

	startedAt time.Time

	mu       sync.RWMutex
	managers map[string]*connmgr.ConnectionManager

	wsUpgrader websocket.Upgrader
	wsClients  sync.Map // map[*websocket.Conn]chan []byte
}

// New builds a Gateway. A nil sink disables the /metrics endpoint.
func New(logger *zap.Logger, sink *metrics.PrometheusSink, bus *eventbus.Bus) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		logger:    logger,
		sink:      sink,
		bus:       bus,
		startedAt: time.Now(),
		managers:  make(map[string]*connmgr.ConnectionManager),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if bus != nil {
		bus.Subscribe(eventbus.SubscriberFunc(g.broadcastEvent))
	}
	return g
}

// RegisterConnection makes mgr visible to /health under deviceID.
func (g *Gateway) RegisterConnection(deviceID string, mgr *connmgr.ConnectionManager) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.managers[deviceID] = mgr
}

// Handler builds the HTTP mux the gateway serves.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", g.handleHello)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ws", g.handleWebSocket)
	if g.sink != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(g.sink.Registry(), promhttp.HandlerOpts{}))
	}
	return mux
}

func (g *Gateway) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "bifrost modbus gateway",
	})
}

type deviceHealth struct {
	State             string    `json:"state"`
	ConnectedSince    time.Time `json:"connected_since,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	ReconnectAttempts int64     `json:"reconnect_attempts"`
	ReconnectCount    int64     `json:"reconnect_count"`
}

type healthResponse struct {
	Status    string                  `json:"status"`
	UptimeSec float64                 `json:"uptime_seconds"`
	Devices   map[string]deviceHealth `json:"devices"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	resp := healthResponse{
		Status:    "healthy",
		UptimeSec: time.Since(g.startedAt).Seconds(),
		Devices:   make(map[string]deviceHealth, len(g.managers)),
	}

	allHealthy := true
	for id, mgr := range g.managers {
		h := mgr.Health()
		dh := deviceHealth{
			State:             h.State.String(),
			ConnectedSince:    h.ConnectedSince,
			ReconnectAttempts: h.ReconnectAttempts,
			ReconnectCount:    h.ReconnectCount,
		}
		if h.LastError != nil {
			dh.LastError = h.LastError.Error()
		}
		if h.State != connmgr.StateConnected {
			allHealthy = false
		}
		resp.Devices[id] = dh
	}
	if !allHealthy {
		resp.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		g.wsClients.Delete(conn)
		conn.Close()
	}()

	outbound := make(chan []byte, 32)
	g.wsClients.Store(conn, outbound)
	g.logger.Info("websocket client connected")

	go func() {
		for msg := range outbound {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	g.logger.Info("websocket client disconnected")
}

type wireSample struct {
	ID    string      `json:"id"`
	Value interface{} `json:"value"`
}

type wireEvent struct {
	DeviceID  string       `json:"device_id"`
	Timestamp time.Time    `json:"timestamp"`
	Samples   []wireSample `json:"samples"`
}

// broadcastEvent fans a published MeasurementEvent out to every connected
// WebSocket client, never blocking the EventBus on a slow client.
func (g *Gateway) broadcastEvent(event polling.MeasurementEvent) {
	samples := make([]wireSample, 0, len(event.Samples))
	for _, s := range event.Samples {
		samples = append(samples, wireSample{ID: s.Definition.ID, Value: sampleValue(s)})
	}
	payload, err := json.Marshal(wireEvent{DeviceID: event.DeviceID, Timestamp: event.Timestamp, Samples: samples})
	if err != nil {
		g.logger.Error("failed to marshal event for websocket broadcast", zap.Error(err))
		return
	}

	g.wsClients.Range(func(key, value interface{}) bool {
		outbound := value.(chan []byte)
		select {
		case outbound <- payload:
		default:
			g.logger.Warn("dropping websocket broadcast to slow client")
		}
		return true
	})
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
