package web

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/oakhurst/concierge/internal/progress"
	"github.com/oakhurst/concierge/internal/routing"
	"github.com/oakhurst/concierge/internal/runner"
)

// ChatRequest is one user turn.
type ChatRequest struct {
	Message     string `json:"message"`
	ThreadID    string `json:"thread_id,omitempty"`
	RequesterID string `json:"requester_id,omitempty"`

	// Optional routing overrides.
	ModelTier  string   `json:"model_tier,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	Synthesize bool     `json:"synthesize,omitempty"`
}

// handleChat runs one turn and streams progress events as NDJSON, one
// event per line. The terminal done or error event carries the answer;
// everything before it is progress.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	threadID := req.ThreadID
	if threadID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "id generation failed")
			return
		}
		threadID = id.String()
	}
	requesterID := req.RequesterID
	if requesterID == "" {
		requesterID = "web"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Thread-Id", threadID)

	enc := json.NewEncoder(w)
	em := progress.NewEmitter(func(ev progress.Event) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("failed to write progress event", "error", err)
			return
		}
		flusher.Flush()
	}, s.bus)

	turn := runner.Turn{
		Query:       req.Message,
		History:     s.history(threadID),
		RequesterID: requesterID,
		ThreadID:    threadID,
	}
	if req.ModelTier != "" || len(req.Tools) > 0 || req.Synthesize {
		turn.Overrides = &routing.Overrides{
			ModelTier:  req.ModelTier,
			Tools:      req.Tools,
			Synthesize: req.Synthesize,
		}
	}

	res, err := s.runner.Run(r.Context(), turn, em)
	if err != nil {
		// The emitter already carried the terminal error event; there
		// is nothing further to send on this stream.
		s.logger.Error("turn failed",
			"thread_id", threadID,
			"requester_id", requesterID,
			"error", err,
		)
		return
	}

	s.appendHistory(threadID, req.Message, res.Content)
}
