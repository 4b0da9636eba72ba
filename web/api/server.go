// Package api serves run status over HTTP and streams live events over a
// websocket, for dashboards and the watch TUI.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/waveforge/wave-orchestrator/internal/orchestrator"
	"github.com/waveforge/wave-orchestrator/internal/runstore"
	"github.com/waveforge/wave-orchestrator/internal/state"
)

// Server is the HTTP status server.
type Server struct {
	states  *state.Store
	history *runstore.Store // optional
	events  *orchestrator.Broadcaster
	addr    string
	mux     *http.ServeMux
	srv     *http.Server
}

// NewServer creates a status server. history may be nil when run history is
// disabled.
func NewServer(states *state.Store, history *runstore.Store, events *orchestrator.Broadcaster, addr string) *Server {
	s := &Server{
		states:  states,
		history: history,
		events:  events,
		addr:    addr,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/issues", s.listIssuesHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
