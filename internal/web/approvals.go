package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oakhurst/concierge/internal/approval"
)

// handleApprovalsList returns pending approval requests, optionally
// filtered to one requester.
func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	pending := s.approvals.Pending(requester)
	if pending == nil {
		pending = []approval.Request{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	}, s.logger)
}

type resolveRequest struct {
	Decision    string `json:"decision"`
	RequesterID string `json:"requester_id"`
}

// handleApprovalResolve approves or denies a pending request. Only the
// original requester may resolve; anything else is a 403.
func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.errorResponse(w, http.StatusBadRequest, "approval id required")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var decision approval.Decision
	switch req.Decision {
	case "approve", "approved":
		decision = approval.DecisionApproved
	case "deny", "denied":
		decision = approval.DecisionDenied
	default:
		s.errorResponse(w, http.StatusBadRequest, "decision must be approve or deny")
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = "web"
	}

	resolved, err := s.approvals.Resolve(id, decision, req.RequesterID)
	if err != nil {
		var mismatch *approval.ErrRequesterMismatch
		switch {
		case errors.Is(err, approval.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, "approval request not found")
		case errors.Is(err, approval.ErrAlreadyResolved):
			s.errorResponse(w, http.StatusConflict, "approval request already resolved")
		case errors.As(err, &mismatch):
			s.errorResponse(w, http.StatusForbidden, "only the original requester may resolve")
		default:
			s.logger.Error("approval resolve failed", "approval_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "resolve failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resolved, s.logger)
}
