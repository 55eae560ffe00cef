// Package server exposes the transcription pipeline over HTTP: a small
// control API for starting and stopping sessions, read access to stored
// transcripts, a websocket stream of live messages and input levels, and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/internal/transcript"
)

// checkTimeout is the maximum time a single readiness check may take.
const checkTimeout = 5 * time.Second

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server is the HTTP front of the transcription service.
type Server struct {
	http     *http.Server
	mgr      *SessionManager
	store    *transcript.Store
	hub      *Hub
	checkers []Checker
	log      *slog.Logger
}

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	Manager    *SessionManager
	Store      *transcript.Store
	Hub        *Hub
	Metrics    *observe.Metrics
	Logger     *slog.Logger
	Checkers   []Checker
}

// New builds the server and its routes. The handler chain records request
// metrics and trace spans for every route.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		mgr:      cfg.Manager,
		store:    cfg.Store,
		hub:      cfg.Hub,
		checkers: cfg.Checkers,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/session/start", s.handleStart)
	mux.HandleFunc("POST /api/session/stop", s.handleStop)
	mux.HandleFunc("GET /api/session", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/sessions/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /api/stream", s.hub.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full request handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info("http server listening", "addr", s.http.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ─── handlers ───

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := s.mgr.Start(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.mgr.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Status())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	lines, err := s.store.Reconciled(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"lines":      lines,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stats, err := s.store.SessionStats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"stats":      stats,
	})
}

// handleHealthz is a liveness probe; a process that can serve HTTP is alive.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

// handleReadyz runs every registered checker and returns 200 only when all
// pass.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	allOK := true
	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
