// Package ws is the realtime core of the chat server. It upgrades HTTP
// requests to WebSocket connections, authorizes each one against a chat room,
// and runs a ChatSession per connection that relays typing indicators,
// routes chat messages through the store and announces presence.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// MinWriteTimeout is the lowest write deadline a Server accepts. A write
// without a deadline can block a session on a stalled peer forever.
const MinWriteTimeout = time.Second

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading HTTP request headers
	WriteTimeout   time.Duration // timeout for WebSocket write operations, at least MinWriteTimeout
	IdleTimeout    time.Duration // close sessions silent for this long, 0 disables
	MaxFrameSize   int64         // max inbound message size in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts WebSocket connections on /ws/{chat_id} and runs one
// ChatSession per connection on its own goroutine. Other HTTP routes can be
// mounted on the same listener with Handle.
type Server struct {
	config     ServerConfig
	hub        *Hub
	conns      *ConnectionManager
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	startedAt  time.Time

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewServer creates a Server that runs sessions against hub.
func NewServer(config ServerConfig, hub *Hub) *Server {
	if config.WriteTimeout < MinWriteTimeout {
		log.Printf("[server] write timeout %v below minimum, using %v", config.WriteTimeout, MinWriteTimeout)
		config.WriteTimeout = MinWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		hub:       hub,
		conns:     NewConnectionManager(),
		mux:       http.NewServeMux(),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	s.mux.HandleFunc("GET /ws/{chat_id}", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// Handle mounts an additional HTTP handler on the server's mux.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the heartbeat monitor and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request with the gobwas/ws upgrader and runs the
// chat session on the calling goroutine until the connection ends. Handshake
// rejections happen after the upgrade so the client sees a 1008 close code.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(r.PathValue("chat_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chat id", http.StatusNotFound)
		return
	}

	// Enforce maximum connection limit.
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(netConn, ConnConfig{
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		MaxFrameSize: s.config.MaxFrameSize,
	})
	s.conns.Add(c)
	defer s.conns.Remove(c.ID())

	log.Printf("ws: new connection conn=%s chat=%d (total=%d)", c.ID(), chatID, s.conns.Count())

	sess := s.hub.NewSession(c, chatID, r.URL.Query().Get("token"))
	if err := sess.Run(s.ctx); err != nil && !errors.Is(err, ErrHandshakeRejected) {
		log.Printf("ws: session conn=%s ended: %v", c.ID(), err)
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Rooms:       s.hub.Registry().Rooms(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes every WebSocket connection and
// waits for their sessions to finish their disconnect cleanup, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	close(s.done)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	// Hijacked connections are not tracked by http.Server.
	for _, c := range s.conns.All() {
		_ = c.CloseWithStatus(ws.StatusGoingAway, "server shutting down")
	}

	waited := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = fmt.Errorf("ws: waiting for sessions: %w", ctx.Err())
	}
	s.cancel()

	log.Printf("ws: server stopped, all connections closed")
	return err
}
