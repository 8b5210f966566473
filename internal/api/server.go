// Package api implements the chatrelay HTTP API: the streaming
// completion endpoints, chat transcripts, memory management and the
// operational event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/buildinfo"
	"github.com/nugget/chatrelay/internal/chats"
	"github.com/nugget/chatrelay/internal/connwatch"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/memory"
	"github.com/nugget/chatrelay/internal/result"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Options configures the server.
type Options struct {
	Address string
	Port    int

	// Owner scopes every memory and chat operation.
	Owner string

	// DefaultModel labels streamed chunks when a request names no model.
	DefaultModel string

	// WriteTimeout bounds each write to a client.
	WriteTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	opts   Options
	orch   *conversation.Orchestrator
	chats  *chats.Store
	memory *memory.Facade
	bus    *events.Bus
	health BackendStatus
	logger *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	stopped bool
}

// BackendStatus reports language model backend reachability.
type BackendStatus interface {
	Status() map[string]connwatch.Status
}

// NewServer creates a new API server around the orchestrator.
func NewServer(opts Options, orch *conversation.Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Owner == "" {
		opts.Owner = "default"
	}
	return &Server{
		opts:   opts,
		orch:   orch,
		logger: logger,
	}
}

// SetChatStore enables the transcript endpoints.
func (s *Server) SetChatStore(cs *chats.Store) {
	s.chats = cs
}

// SetMemory enables the memory endpoints.
func (s *Server) SetMemory(f *memory.Facade) {
	s.memory = f
}

// SetEventBus enables the event feed and API change events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetBackendStatus adds backend reachability to /health.
func (s *Server) SetBackendStatus(bs BackendStatus) {
	s.health = bs
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Streaming completions
	mux.HandleFunc("POST /api/completions/stream", s.handleCompletionStream)
	mux.HandleFunc("POST /v1/chat/completions", s.handleCompletionStream)

	// Chat transcripts
	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("POST /api/chats", s.handleChatCreate)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleChatAddMessage)
	mux.HandleFunc("GET /api/chats/{id}/export", s.handleChatExport)

	// Memory
	mux.HandleFunc("GET /api/memory", s.handleMemoryList)
	mux.HandleFunc("POST /api/memory/remember", s.handleMemoryRemember)
	mux.HandleFunc("POST /api/memory/forget", s.handleMemoryForget)

	// Operational event feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	writeTimeout := s.opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 120 * time.Second
	}
	// Streams push the write deadline forward on every write.
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.opts.Address, s.opts.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.opts.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.opts.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A Start that has not yet begun
// listening returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "chatrelay",
		"version": buildinfo.Current().Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Truncate(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// handleHealth always answers 200 while the process serves requests. An
// unreachable backend degrades the reported status without failing the
// check, since slash commands and transcripts still work.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		backends := s.health.Status()
		for _, st := range backends {
			if !st.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["backends"] = backends
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    code,
		},
	}, s.logger)
}

// resultError reports a coded failure with the matching HTTP status.
// Internal errors are logged and reported generically.
func (s *Server) resultError(w http.ResponseWriter, err *result.Error) {
	status := statusFor(err.Code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, status, "internal error")
		return
	}
	s.errorResponse(w, status, err.Message)
}

func statusFor(code result.Code) int {
	switch code {
	case result.InvalidRequest, result.InvalidCommand, result.UnknownCommand:
		return http.StatusBadRequest
	case result.NotFound:
		return http.StatusNotFound
	case result.ProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v, answering 400 on error.
// The body is read to EOF so the server starts watching the connection
// and cancels the request context when the client hangs up.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		s.logger.Debug("invalid request body", "path", r.URL.Path, "error", err)
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
