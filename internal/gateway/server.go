package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway carries no credentials; origin policy belongs to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the WebSocket endpoint for one gateway instance.
type Server struct {
	hub    *Hub
	server *http.Server
}

// NewServer mounts the session endpoint plus liveness and metrics.
func NewServer(hub *Hub, addr string) *Server {
	router := mux.NewRouter()
	s := &Server{hub: hub}

	router.HandleFunc("/ws", s.handleSession)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.server = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// handleSession upgrades the connection and starts the session pumps.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	session := newSession(s.hub, conn, s.hub.queueSize)
	s.hub.register(session)
	go session.writePump()
	go session.readPump()
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("gateway listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains sessions and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.server.Shutdown(ctx)
}
