// Package confirm provides the cross-client registry of pending tool
// approvals. Any connected client may answer a pending confirmation.
package confirm

import (
	"sync"
	"time"
)

// Response is a client's answer to a pending confirmation.
type Response struct {
	Approved     bool   `json:"approved"`
	DenialReason string `json:"denialReason,omitempty"`
}

// Resolver delivers the response to the job blocked on the confirmation.
type Resolver func(Response)

// Pending is one tool call waiting for human approval.
//
// Entries are keyed by tool-call name only, not by (conversation, name):
// two concurrent conversations raising an identically-named tool call can
// cross-resolve. Known and deliberately kept.
type Pending struct {
	ToolCallName   string         `json:"toolCallName"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Title          string         `json:"title"`
	ToolCall       map[string]any `json:"toolCall,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`

	Resolve Resolver `json:"-"`
}

// Store holds pending confirmations for the whole process.
type Store struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewStore creates an empty confirmation store.
func NewStore() *Store {
	return &Store{pending: make(map[string]*Pending)}
}

// Register stores a pending confirmation under its tool-call name,
// replacing any previous entry with the same name.
func (s *Store) Register(p *Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.pending[p.ToolCallName] = p
}

// Resolve answers a pending confirmation and removes it. When userID is
// non-empty, a mismatching entry is left untouched. Returns whether an
// entry was resolved.
func (s *Store) Resolve(toolCallName string, resp Response, userID string) bool {
	s.mu.Lock()
	p, ok := s.pending[toolCallName]
	if !ok || (userID != "" && p.UserID != userID) {
		s.mu.Unlock()
		return false
	}
	delete(s.pending, toolCallName)
	s.mu.Unlock()

	if p.Resolve != nil {
		p.Resolve(resp)
	}
	return true
}

// ForConversation lists pending entries for one conversation so they can be
// replayed to a newly-connected client.
func (s *Store) ForConversation(conversationID string) []*Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Pending
	for _, p := range s.pending {
		if p.ConversationID == conversationID {
			out = append(out, p)
		}
	}
	return out
}

// ClearForConversation force-denies and removes every entry scoped to the
// conversation, returning how many were denied.
func (s *Store) ClearForConversation(conversationID, reason string) int {
	s.mu.Lock()
	var denied []*Pending
	for name, p := range s.pending {
		if p.ConversationID == conversationID {
			delete(s.pending, name)
			denied = append(denied, p)
		}
	}
	s.mu.Unlock()

	for _, p := range denied {
		if p.Resolve != nil {
			p.Resolve(Response{Approved: false, DenialReason: reason})
		}
	}
	return len(denied)
}

// Len returns the number of pending confirmations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
