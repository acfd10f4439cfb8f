// Package web exposes the HTTP API: turn submission, approval
// resolution, session inspection and teardown, transcript export, and
// a WebSocket stream of lifecycle events.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/threadline-ai/threadline/internal/customer"
	"github.com/threadline-ai/threadline/internal/engine"
	"github.com/threadline-ai/threadline/internal/events"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/subject"
)

// maxRequestBodySize caps inbound JSON bodies (1MB).
const maxRequestBodySize = 1 << 20

// Coordinator is the orchestrator surface the handlers need.
type Coordinator interface {
	ProcessTurn(ctx context.Context, agentRef, subjectID, userText, channel string) (*orchestrator.TurnResult, error)
	ResolveApprovals(ctx context.Context, agentRef, subjectID string, decisions []engine.Decision) (*orchestrator.TurnResult, error)
	EndSession(ctx context.Context, subjectID string) error
	UpdateEscalationLevel(ctx context.Context, subjectID string, level int) error
	Info(subjectID string) *customer.Info
	ActiveSubjects() []string
	Transcript(ctx context.Context, subjectID string) *customer.Context
}

// Server wires the handlers to their collaborators.
type Server struct {
	logger   *slog.Logger
	coord    Coordinator
	resolver subject.Resolver
	bus      *events.Bus
	agentRef string
}

// New creates the API server. bus may be nil; the events endpoint then
// reports unavailable.
func New(logger *slog.Logger, coord Coordinator, resolver subject.Resolver, bus *events.Bus, agentRef string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger,
		coord:    coord,
		resolver: resolver,
		bus:      bus,
		agentRef: agentRef,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Post("/approvals", s.handleApprovals)
		r.Get("/sessions", s.handleListSessions)
		r.Route("/sessions/{subjectID}", func(r chi.Router) {
			r.Get("/", s.handleSessionInfo)
			r.Delete("/", s.handleEndSession)
			r.Post("/escalate", s.handleEscalate)
			r.Get("/transcript", s.handleTranscript)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a size-capped JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
