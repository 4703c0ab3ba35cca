// ABOUTME: HTTP handler that upgrades requests to WebSocket connections.
// ABOUTME: Checks Origin against an allowlist and hands each connection to the hub.

package transport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/puppet-gateway/internal/coordinator"
)

// Defaults for Options fields left zero.
const (
	DefaultSendQueueSize  = 256
	DefaultMaxMessageSize = 16 << 20 // screenshots and DOM dumps are large
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
)

// Hub receives connection activity. *coordinator.Coordinator implements it.
type Hub interface {
	Connect(p coordinator.Peer)
	Receive(connID string, data []byte)
	Disconnect(connID, reason string)
}

// Options tunes the WebSocket server.
type Options struct {
	// AllowedOrigins lists browser origins that may connect. Empty or "*"
	// allows all. Requests without an Origin header are always allowed.
	AllowedOrigins []string
	// SendQueueSize bounds each connection's queue until LiftQueueLimit.
	SendQueueSize  int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = DefaultSendQueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// Server upgrades HTTP requests and runs each connection's pumps.
type Server struct {
	hub      Hub
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer creates a Server feeding hub.
func NewServer(hub Hub, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Server{
		hub:      hub,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   logger.With("component", "transport"),
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and registers the connection with the hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr,
			"origin", r.Header.Get("Origin"),
			"error", err,
		)
		return
	}

	c := newConn(uuid.NewString(), r.RemoteAddr, ws, s.opts, s.logger)
	s.logger.Debug("websocket connected", "conn_id", c.ID(), "remote", c.RemoteAddr())

	// Connect is posted before any frame this connection reads.
	s.hub.Connect(c)
	go c.writePump()
	go c.readPump(s.hub)
}
