package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Snapshot is the read-only view of the forwarder session.
type Snapshot struct {
	State             string    `json:"state"`
	Active            bool      `json:"active"`
	Gateway           string    `json:"gateway"`
	Server            string    `json:"server"`
	Sent              uint64    `json:"sent"`
	Received          uint64    `json:"received"`
	Acked             uint64    `json:"acked"`
	InFlight          int       `json:"in_flight"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	LastReceive       time.Time `json:"last_receive"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store holds the latest snapshot. The engine loop is the only writer.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

func (s *Store) Update(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Store) Load() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Server exposes the store over HTTP.
type Server struct {
	store  *Store
	router chi.Router
	server *http.Server
	log    zerolog.Logger
}

func NewServer(store *Store, logger zerolog.Logger) *Server {
	s := &Server{
		store:  store,
		router: chi.NewRouter(),
		log:    logger.With().Str("component", "status").Logger(),
	}
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.log.Info().Str("addr", addr).Msg("status server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth answers 200 only while the session is active.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Load()
	code := http.StatusOK
	if !snap.Active {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"state": snap.State,
		"time":  time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.store.Load())
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
