package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pro-assist/stina-server/internal/queue"
	"github.com/pro-assist/stina-server/internal/retry"
	"github.com/pro-assist/stina-server/internal/session"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) orchestrator(w http.ResponseWriter, r *http.Request) (*session.Orchestrator, bool) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing user id")
		return nil, false
	}
	orch, err := s.sessions.GetOrCreate(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return nil, false
	}
	return orch, true
}

type enqueueRequest struct {
	ID      string `json:"id,omitempty"`
	Text    string `json:"text"`
	Role    string `json:"role,omitempty"`
	Context string `json:"context,omitempty"`
}

type enqueueResponse struct {
	ID    string         `json:"id"`
	Queue queue.Snapshot `json:"queue"`
}

// enqueueMessage appends a job to the user's queue. The call returns as
// soon as the job is queued; progress flows through the event stream.
func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	role := queue.RoleUser
	if req.Role == string(queue.RoleInstruction) {
		role = queue.RoleInstruction
	}
	jctx := queue.Context(req.Context)
	switch jctx {
	case queue.ContextNone, queue.ContextConversationStart, queue.ContextSettingsUpdate:
	default:
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown context: "+req.Context)
		return
	}
	if req.Text == "" && jctx == queue.ContextNone {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "empty message")
		return
	}

	if req.ID == "" {
		// assign up front so the response can reference the job
		req.ID = newMessageID()
	}
	orch.EnqueueMessage(req.Text, role, req.ID, jctx)

	if role == queue.RoleInstruction && s.notifier != nil {
		s.notifier.Notify(orch.UserID(), retry.Event{
			Type: "instruction-queued",
			Data: map[string]any{"id": req.ID},
		})
	}

	writeJSON(w, http.StatusOK, enqueueResponse{ID: req.ID, Queue: orch.GetQueueState()})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, orch.GetQueueState())
}

func (s *Server) removeQueued(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "messageID")
	if !orch.RemoveQueued(id) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "message not queued (it may be active)")
		return
	}
	writeJSON(w, http.StatusOK, orch.GetQueueState())
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	removed := orch.ClearQueue()
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
		"queue":   orch.GetQueueState(),
	})
}

type abortRequest struct {
	ContinueQueue *bool `json:"continueQueue"`
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	var req abortRequest
	if r.Body != nil {
		// body is optional
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	// unless the caller explicitly pauses, later jobs keep running
	continueQueue := true
	if req.ContinueQueue != nil {
		continueQueue = *req.ContinueQueue
	}
	orch.Abort(continueQueue)
	writeSuccess(w)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	orch.ResetConversation()
	writeSuccess(w)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	orch, ok := s.orchestrator(w, r)
	if !ok {
		return
	}
	conv := orch.Conversation()
	if conv == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no active conversation")
		return
	}
	interactions, total := orch.Interactions()
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"interactions": interactions,
		"total":        total,
	})
}
