// Package server holds the transport Options and the Server that ties the
// upgrader, hub, registry and fan-out engine together.
package server

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
)

// Options configures the transport.
type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// Metrics and Gatherer are optional. Without a Gatherer /metrics is not
	// served.
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func (o Options) sanitized() Options {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 8192
	}
	if o.RateLimit.Burst <= 0 {
		o.RateLimit.Burst = 5
	}
	if o.RateLimit.RefillInterval <= 0 {
		o.RateLimit.RefillInterval = time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Server accepts WebSocket connections and binds each one to a session and
// the fan-out engine.
type Server struct {
	opts     Options
	engine   Dispatcher
	registry *presence.Registry
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New creates a server. Call Start before serving its handler.
func New(opts Options, engine Dispatcher, registry *presence.Registry, log *zap.Logger) *Server {
	opts = opts.sanitized()
	s := &Server{
		opts:     opts,
		engine:   engine,
		registry: registry,
		hub:      NewHub(log),
		origins:  newOriginPolicy(opts.AllowedOrigins, log),
		metrics:  opts.Metrics,
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// Start launches the hub loop.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("Hub started and ready to manage WebSocket connections")
}

// Shutdown closes every connection and waits up to timeout for them to
// finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
