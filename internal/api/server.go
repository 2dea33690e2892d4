// Package api exposes Haven's core to the host application over a
// loopback HTTP surface: execute a chat turn, trigger a sync pass,
// inspect the current tier decision, read recent records.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/haven-assistant/haven/internal/buildinfo"
	"github.com/haven-assistant/haven/internal/dispatch"
	"github.com/haven-assistant/haven/internal/store"
	syncpkg "github.com/haven-assistant/haven/internal/sync"
	"github.com/haven-assistant/haven/internal/tier"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
// By the time encoding fails the status line is already gone, so
// there is nothing better to do than log.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("response encode failed", "error", err)
	}
}

// Server is the loopback API.
type Server struct {
	addr     string
	router   *dispatch.Router
	selector *tier.Selector
	engine   *syncpkg.Engine // nil when no remote is configured
	store    *store.Store
	logger   *slog.Logger
	server   *http.Server
}

// NewServer wires the API. engine may be nil; sync endpoints then
// report that no remote is configured. The http.Server is built here
// so Start and Shutdown can run on different goroutines without
// racing on it.
func NewServer(addr string, router *dispatch.Router, selector *tier.Selector, engine *syncpkg.Engine, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		router:   router,
		selector: selector,
		engine:   engine,
		store:    st,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/sync", s.handleSync)
	mux.HandleFunc("GET /v1/memories", s.handleMemories)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // inference calls are slow
	}
	return s
}

// Start begins serving. It blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// ChatRequest is the loopback chat surface.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Tier           string `json:"tier,omitempty"` // pin to one tier
}

// ChatResponse carries the answer and how it was produced.
type ChatResponse struct {
	Response   string `json:"response"`
	Tier       string `json:"tier"`
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
	Fallbacks  int    `json:"fallbacks,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.router.Execute(r.Context(), dispatch.Request{
		Input:          req.Message,
		ConversationID: req.ConversationID,
		Tier:           req.Tier,
	})
	if err != nil {
		var cascade *dispatch.CascadeError
		if errors.As(err, &cascade) {
			s.errorResponse(w, http.StatusServiceUnavailable, cascade.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, ChatResponse{
		Response:   res.Output,
		Tier:       res.Tier,
		Model:      res.Model,
		DurationMs: res.Duration.Milliseconds(),
		Fallbacks:  res.Fallbacks,
	}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	decision := s.selector.Current()
	if decision == nil {
		d, err := s.selector.Select(r.Context(), dispatch.CapabilityChat)
		if err != nil {
			s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		decision = d
	}
	writeJSON(w, decision, s.logger)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no remote configured")
		return
	}
	report, err := s.engine.SyncNow(r.Context())
	if errors.Is(err, syncpkg.ErrSyncBusy) {
		s.errorResponse(w, http.StatusConflict, "sync already in progress")
		return
	}
	if err != nil {
		var authErr *syncpkg.AuthError
		if errors.As(err, &authErr) {
			s.errorResponse(w, http.StatusUnauthorized, authErr.Error())
			return
		}
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, report, s.logger)
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	memories, err := s.store.GetRecentMemories(limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"memories": memories}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
