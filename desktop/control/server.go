// Package control serves the local HTTP API the UI layer uses to discover the
// backend endpoint and inspect the sidecar.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tomyedwab/dailynotes/desktop/endpoint"
	"github.com/tomyedwab/dailynotes/desktop/processes"
	"github.com/tomyedwab/dailynotes/desktop/startup"
)

const defaultLogLimit = 100

// StatusProvider reports the sidecar state. *startup.Orchestrator implements it.
type StatusProvider interface {
	Status() startup.Status
}

// Config holds configuration options for the control Server.
type Config struct {
	Addr           string             // Listen address, e.g. 127.0.0.1:8765
	Registry       *endpoint.Registry // Required
	Status         StatusProvider     // Optional
	Logs           *processes.LogBuffer
	Metrics        http.Handler // Optional, served on /metrics
	AllowedOrigins []string
	Secret         []byte // Optional, enables bearer token checks on /api routes
	Logger         *slog.Logger
}

// Server is the control API.
type Server struct {
	config     Config
	logger     *slog.Logger
	router     *mux.Router
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new Server and registers its routes.
func NewServer(config Config) (*Server, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("Registry is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		logger: logger.With("component", "ControlServer"),
		router: mux.NewRouter(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	api := func(h http.HandlerFunc) http.HandlerFunc {
		return Chain(
			h,
			TokenRequired(s.config.Secret),
			EnableCrossOrigin(s.config.AllowedOrigins),
			LogRequests(s.logger),
		)
	}

	s.router.HandleFunc("/api/backend-url", api(s.handleBackendURL)).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/status", api(s.handleStatus)).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/api/logs", api(s.handleLogs)).Methods(http.MethodGet, http.MethodOptions)
	if s.config.Metrics != nil {
		s.router.Handle("/metrics", s.config.Metrics).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("Starting control server", "address", l.Addr().String())
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleBackendURL answers with the backend URL as a JSON string.
func (s *Server) handleBackendURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.config.Registry.URL()
	if err != nil {
		if errors.Is(err, endpoint.ErrNotPublished) {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, url)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.Status == nil {
		writeJSON(w, http.StatusOK, startup.Status{Phase: startup.PhaseNotStarted})
		return
	}
	writeJSON(w, http.StatusOK, s.config.Status.Status())
}

type logsResponse struct {
	Entries  []processes.LogEntry `json:"entries"`
	LatestID int64                `json:"latestId"`
}

// handleLogs returns buffered backend output after ?from=<id>, at most
// ?limit=<n> entries.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.config.Logs == nil {
		writeJSON(w, http.StatusOK, logsResponse{Entries: []processes.LogEntry{}})
		return
	}

	query := r.URL.Query()
	var fromID int64
	if v := query.Get("from"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from parameter"})
			return
		}
		fromID = parsed
	}
	limit := defaultLogLimit
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit parameter"})
			return
		}
		limit = parsed
	}

	writeJSON(w, http.StatusOK, logsResponse{
		Entries:  s.config.Logs.GetEntriesFromID(fromID, limit),
		LatestID: s.config.Logs.GetLatestID(),
	})
}
