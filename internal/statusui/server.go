// Package statusui serves a small chi-routed HTTP surface exposing the
// client's current connection status and a healthz probe, adapted from
// qzbxw-EGO's status handler and router setup for a single-client process
// rather than a multi-tenant API server.
package statusui

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/qzbxw/chatline/internal/stats"
	"github.com/qzbxw/chatline/internal/wire"
)

// StatusSource is the subset of pkg/chatline.Client the server reads from.
type StatusSource interface {
	ConnectionStatus() <-chan wire.ConnectionStatus
	Counters() stats.Snapshot
}

// Server exposes /status and /healthz over HTTP for external monitoring of
// a running chatline client, mirroring the shape of
// qzbxw-EGO/internal/handlers.StatusHandler.
type Server struct {
	addr     string
	log      *log.Logger
	counters StatusSource

	mu      sync.RWMutex
	current wire.ConnectionStatus
}

// New starts tracking client's status updates immediately; call Serve to
// start accepting HTTP connections.
func New(addr string, client StatusSource) *Server {
	s := &Server{addr: addr, log: log.New(log.Writer(), "[statusui] ", log.LstdFlags), current: wire.Uninitialized, counters: client}
	go s.track(client.ConnectionStatus())
	return s
}

func (s *Server) track(statuses <-chan wire.ConnectionStatus) {
	for status := range statuses {
		s.mu.Lock()
		s.current = status
		s.mu.Unlock()
	}
}

// Router builds the chi router serving /status and /healthz, with the same
// logging/recovery/CORS middleware stack qzbxw-EGO/cmd/api/main.go wires up.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           300,
	}).Handler)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.Get("/status", s.getStatus)
	r.Get("/healthz", s.getHealthz)
	r.Get("/api/status", s.getStatus) // registered under both paths for parity with the teacher's dual-mount convention
	return r
}

// Serve blocks, running an http.Server on addr until ListenAndServe returns
// an error. The http.Server is not exposed, so it cannot be shut down from
// outside.
func (s *Server) Serve() error {
	httpServer := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Printf("listening on %s", s.addr)
	return httpServer.ListenAndServe()
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	status := s.current
	s.mu.RUnlock()

	code := http.StatusOK
	if status != wire.Online {
		code = http.StatusServiceUnavailable
	}
	counts := s.counters.Counters()
	respondWithJSON(w, code, map[string]any{
		"status":             status.String(),
		"message":            statusMessage(status),
		"activitiesReceived": counts.ActivitiesReceived,
		"activitiesSent":     counts.ActivitiesSent,
		"reconnects":         counts.Reconnects,
	})
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func statusMessage(status wire.ConnectionStatus) string {
	switch status {
	case wire.Online:
		return "connected"
	case wire.Connecting:
		return "reconnecting"
	case wire.Ended:
		return "shut down"
	default:
		return "not yet connected"
	}
}

// respondWithJSON mirrors qzbxw-EGO/internal/handlers.RespondWithJSON's
// marshal-then-write shape.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("statusui: failed to marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(data)
}
