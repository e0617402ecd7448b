package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	// Per-user session operations
	r.Route("/session/{userID}", func(r chi.Router) {
		r.Post("/messages", s.enqueueMessage)
		r.Get("/queue", s.getQueue)
		r.Delete("/queue/{messageID}", s.removeQueued)
		r.Post("/queue/clear", s.clearQueue)
		r.Post("/abort", s.abort)
		r.Post("/reset", s.reset)
		r.Get("/conversation", s.getConversation)
	})

	// Tool confirmations: any connected client may answer
	r.Post("/confirmations/{toolCallName}", s.resolveConfirmation)
	r.Get("/conversations/{conversationID}/confirmations", s.listConfirmations)

	// Event streaming (SSE)
	r.Get("/conversations/{conversationID}/events", s.conversationEvents)
	r.Get("/notifications/{userID}", s.notificationEvents)
}
