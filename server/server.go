// Package server exposes the council over HTTP: a WebSocket session channel
// with streamed progress, a synchronous query endpoint, health and info
// endpoints, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360studio/council/config"
	"github.com/c360studio/council/council"
	"github.com/c360studio/council/llm"
	"github.com/c360studio/council/metrics"
	"github.com/c360studio/council/mirror"
)

// apiVersion is reported by the info endpoint.
const apiVersion = "1.0.0"

// maxQueryBodySize limits the size of query request bodies to prevent DoS.
const maxQueryBodySize = 1 << 20 // 1 MB

// snapshot is one immutable view of the configuration and the orchestrator
// built from it. Reloads swap the whole snapshot; sessions in flight keep
// the one they started with.
type snapshot struct {
	cfg  *config.Config
	orch *council.Orchestrator
}

// Server serves the council API.
type Server struct {
	logger   *slog.Logger
	client   *llm.Client
	mirror   *mirror.Publisher
	upgrader websocket.Upgrader

	current    atomic.Pointer[snapshot]
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMirror attaches a session event publisher. A nil publisher disables
// mirroring.
func WithMirror(p *mirror.Publisher) Option {
	return func(s *Server) {
		s.mirror = p
	}
}

// New creates a Server from a validated configuration.
func New(cfg *config.Config, client *llm.Client, opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The API is open to browser frontends from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.ApplyConfig(cfg)
	return s
}

// ApplyConfig swaps the active configuration and rebuilds the orchestrator.
// Deliberations already running keep the roster they started with.
func (s *Server) ApplyConfig(cfg *config.Config) {
	orch := council.NewOrchestrator(cfg, s.client, council.WithLogger(s.logger))
	s.current.Store(&snapshot{cfg: cfg, orch: orch})
	s.logger.Info("Configuration applied",
		"members", len(cfg.Council.Members),
		"chairman", cfg.Council.Chairman.Name)
}

func (s *Server) snap() *snapshot {
	return s.current.Load()
}

// Handler returns the full route table wrapped in CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /ws", s.handleSession)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.cors(mux)
}

// Start serves until ctx is canceled or the listener fails, then shuts down
// gracefully. Session contexts derive from ctx, so cancellation also aborts
// in-flight deliberations.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.snap().cfg.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// InfoResponse is the response for GET /.
type InfoResponse struct {
	Message  string   `json:"message"`
	Version  string   `json:"version"`
	Status   string   `json:"status"`
	Members  []string `json:"members"`
	Chairman string   `json:"chairman"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	snap := s.snap()
	members := make([]string, 0, len(snap.cfg.Council.Members))
	for _, m := range snap.cfg.Council.Members {
		members = append(members, m.Name)
	}
	s.writeJSON(w, http.StatusOK, InfoResponse{
		Message:  "LLM Council API",
		Version:  apiVersion,
		Status:   "running",
		Members:  members,
		Chairman: snap.cfg.Council.Chairman.Name,
	})
}

// QueryRequest is the request body for POST /query.
type QueryRequest struct {
	Query string `json:"query"`
}

// handleQuery runs a full deliberation synchronously. Clients wanting
// progress updates use the WebSocket channel instead.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodySize)

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	snap := s.snap()
	sessionID := uuid.New().String()
	logger := s.logger.With("session_id", sessionID)

	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()
	s.mirror.SessionStarted(sessionID, req.Query)
	logger.Info("Query accepted", "transport", "http")

	result, err := snap.orch.Run(r.Context(), req.Query)
	if err != nil {
		if r.Context().Err() != nil {
			metrics.SessionsFinished.WithLabelValues(metrics.OutcomeAborted).Inc()
			s.mirror.SessionAborted(sessionID)
			logger.Info("Query aborted by client")
			return
		}
		metrics.SessionsFinished.WithLabelValues(metrics.OutcomeFailed).Inc()
		s.mirror.SessionFailed(sessionID, err.Error())
		logger.Error("Query failed", "error", err)
		s.writeError(w, upstreamStatus(err), err.Error())
		return
	}

	metrics.SessionsFinished.WithLabelValues(metrics.OutcomeCompleted).Inc()
	s.mirror.SessionResult(sessionID, result)
	logger.Info("Query complete")
	s.writeJSON(w, http.StatusOK, result)
}

// upstreamStatus maps deliberation failures to response codes. Model backend
// failures are gateway errors, not server bugs.
func upstreamStatus(err error) int {
	if council.IsStageExhausted(err) || llm.IsUnavailable(err) || llm.IsModelError(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// cors allows browser frontends from any origin to reach the API.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
