package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/pro-assist/stina-server/internal/confirm"
)

func newMessageID() string {
	return ulid.Make().String()
}

type confirmationRequest struct {
	Approved     bool   `json:"approved"`
	DenialReason string `json:"denialReason,omitempty"`
	// UserID optionally restricts the answer to confirmations owned by that
	// user. Empty answers any pending entry with the name.
	UserID string `json:"userId,omitempty"`
}

// resolveConfirmation answers a pending tool confirmation. Confirmations
// are keyed by tool-call name; any connected client may answer.
func (s *Server) resolveConfirmation(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "toolCallName")

	var req confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	resolved := s.confirmations.Resolve(name, confirm.Response{
		Approved:     req.Approved,
		DenialReason: req.DenialReason,
	}, req.UserID)
	if !resolved {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no pending confirmation: "+name)
		return
	}
	writeSuccess(w)
}

// listConfirmations replays pending confirmations for a conversation so
// freshly connected clients can render them.
func (s *Server) listConfirmations(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	pending := s.confirmations.ForConversation(conversationID)
	if pending == nil {
		pending = []*confirm.Pending{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}
