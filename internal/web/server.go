// Package web implements the HTTP API: chat with NDJSON progress
// streaming, approval resolution, and the websocket event feed.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/oakhurst/concierge/internal/approval"
	"github.com/oakhurst/concierge/internal/buildinfo"
	"github.com/oakhurst/concierge/internal/llm"
	"github.com/oakhurst/concierge/internal/progress"
	"github.com/oakhurst/concierge/internal/registry"
	"github.com/oakhurst/concierge/internal/runner"
)

// historyLimit bounds how many messages a thread retains; older
// messages fall off the front.
const historyLimit = 40

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	logger    *slog.Logger
	runner    *runner.Runner
	approvals *approval.Engine
	reg       *registry.Registry
	bus       *progress.Bus
	tokenHash string

	mu      sync.Mutex
	threads map[string][]llm.Message

	server *http.Server
}

// NewServer creates the API server. tokenHash is the bcrypt hash of
// the bearer token; empty disables auth.
func NewServer(address string, port int, logger *slog.Logger, run *runner.Runner, eng *approval.Engine, reg *registry.Registry, bus *progress.Bus, tokenHash string) *Server {
	return &Server{
		address:   address,
		port:      port,
		logger:    logger,
		runner:    run,
		approvals: eng,
		reg:       reg,
		bus:       bus,
		tokenHash: tokenHash,
		threads:   make(map[string][]llm.Message),
	}
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Long for streaming turns
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Handler builds the route table wrapped in the auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/approvals", s.handleApprovalsList)
	mux.HandleFunc("POST /api/approvals/{id}/resolve", s.handleApprovalResolve)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withAuth(mux)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
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

// withAuth enforces the bearer token when one is configured. Health
// stays open for probes.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenHash == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.errorResponse(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.tokenHash), []byte(token)); err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	// Browsers cannot set headers on websocket dials.
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":        "concierge",
		"build":       buildinfo.Info(),
		"tools":       len(s.reg.ToolNames()),
		"specialists": len(s.reg.Specialists()),
		"approvals":   len(s.approvals.Pending("")),
		"subscribers": s.bus.SubscriberCount(),
	}
	if snap, ok := s.reg.CapabilitySnapshot(); ok {
		status["entities"] = len(snap.Entities)
		status["snapshot_age"] = time.Since(snap.TakenAt).Truncate(time.Second).String()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

// history returns a copy of a thread's message history.
func (s *Server) history(threadID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.threads[threadID]
	out := make([]llm.Message, len(msgs))
	copy(out, msgs)
	return out
}

// appendHistory records a completed exchange on the thread.
func (s *Server) appendHistory(threadID, query, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.threads[threadID],
		llm.Message{Role: "user", Content: query},
		llm.Message{Role: "assistant", Content: reply},
	)
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	s.threads[threadID] = msgs
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
