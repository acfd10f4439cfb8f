package web

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/threadline-ai/threadline/internal/engine"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/subject"
)

type turnRequest struct {
	// SubjectID may be provided directly by trusted callers; otherwise
	// Metadata is handed to the resolver.
	SubjectID string         `json:"subject_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Message   string         `json:"message"`
	Channel   string         `json:"channel,omitempty"`
	Agent     string         `json:"agent,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	subjectID := req.SubjectID
	if subjectID == "" {
		var err error
		subjectID, err = s.resolver.Resolve(r.Context(), req.Metadata)
		if err != nil {
			var resErr *subject.ResolutionError
			if errors.As(err, &resErr) {
				writeError(w, http.StatusBadRequest, resErr.Error())
				return
			}
			s.logger.Error("subject resolution failed", "error", err)
			writeError(w, http.StatusInternalServerError, "subject resolution failed")
			return
		}
	}

	channel := req.Channel
	if channel == "" {
		channel = "web"
	}
	agent := req.Agent
	if agent == "" {
		agent = s.agentRef
	}

	result, err := s.coord.ProcessTurn(r.Context(), agent, subjectID, req.Message, channel)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEngineTimeout) {
			writeError(w, http.StatusGatewayTimeout, "engine timed out")
			return
		}
		s.logger.Error("turn failed", "subject", subjectID, "error", err)
		writeError(w, http.StatusBadGateway, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type approvalsRequest struct {
	SubjectID string            `json:"subject_id"`
	Agent     string            `json:"agent,omitempty"`
	Decisions []engine.Decision `json:"decisions"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	var req approvalsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" || len(req.Decisions) == 0 {
		writeError(w, http.StatusBadRequest, "subject_id and decisions are required")
		return
	}

	agent := req.Agent
	if agent == "" {
		agent = s.agentRef
	}

	result, err := s.coord.ResolveApprovals(r.Context(), agent, req.SubjectID, req.Decisions)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoPendingState) {
			writeError(w, http.StatusConflict, "no pending approvals for subject")
			return
		}
		s.logger.Error("approval resolution failed", "subject", req.SubjectID, "error", err)
		writeError(w, http.StatusBadGateway, "approval resolution failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subjects": s.coord.ActiveSubjects(),
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	info := s.coord.Info(chi.URLParam(r, "subjectID"))
	if info == nil {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	if err := s.coord.EndSession(r.Context(), subjectID); err != nil {
		s.logger.Error("session end failed", "subject", subjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "session end failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

type escalateRequest struct {
	Level int `json:"level"`
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	var req escalateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Level < 0 {
		writeError(w, http.StatusBadRequest, "level must be non-negative")
		return
	}
	if err := s.coord.UpdateEscalationLevel(r.Context(), subjectID, req.Level); err != nil {
		s.logger.Error("escalation failed", "subject", subjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "escalation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": subjectID, "level": req.Level})
}
