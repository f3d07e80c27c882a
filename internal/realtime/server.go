package realtime

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/collab"
)

type Config struct {
	// RatePerSecond and Burst bound inbound messages per connection.
	RatePerSecond float64
	Burst         int
	// AllowedOrigin restricts the Origin header; empty or "*" allows any.
	AllowedOrigin string
}

// Server upgrades HTTP requests to WebSocket connections and feeds their
// frames to the session manager.
type Server struct {
	mgr      *collab.Manager
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	pumps  sync.WaitGroup
}

func NewServer(mgr *collab.Manager, cfg Config, log zerolog.Logger) *Server {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}
	s := &Server{
		mgr:   mgr,
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowedOrigin == "" || s.cfg.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.cfg.AllowedOrigin
}

// ServeWS upgrades the request and starts the connection's pumps. The
// session starts Connected; authentication happens on join.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), ws, rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst), s.log)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	s.pumps.Add(1)
	s.mu.Unlock()

	go c.writePump()
	sess := s.mgr.Connect(c)
	go func() {
		defer s.pumps.Done()
		c.readPump(s.mgr, sess)
		c.close()
		s.mgr.Disconnect(context.Background(), sess)
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections, closes every open one and waits until
// each has been disconnected from the manager or ctx ends.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
