package session

import (
	"time"

	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/pkg/types"
)

// streamLiveLocked reports whether events for this token should still be
// applied. Stale tokens belong to aborted or finished streams.
func (o *Orchestrator) streamLiveLocked(tok uint64) bool {
	return o.streaming && !o.streamDone && tok == o.streamToken &&
		o.current != nil && o.conversation != nil
}

// handleStreamEvent applies one provider callback to the live stream.
// Callbacks from superseded streams are dropped.
func (o *Orchestrator) handleStreamEvent(tok uint64, ev provider.StreamEvent) {
	switch ev.Type {
	case provider.EventContentUpdate:
		o.mu.Lock()
		if !o.streamLiveLocked(tok) {
			o.mu.Unlock()
			return
		}
		o.streamText += ev.Text
		convID := o.conversation.ID
		o.mu.Unlock()
		o.bus.Publish(convID, event.Event{
			Type: event.ContentUpdate,
			Data: map[string]any{"text": ev.Text},
		})

	case provider.EventThinkingUpdate:
		convID, ok := o.liveConversation(tok)
		if !ok {
			return
		}
		o.bus.Publish(convID, event.Event{
			Type: event.ThinkingUpdate,
			Data: map[string]any{"text": ev.Text},
		})

	case provider.EventToolStart:
		convID, ok := o.liveConversation(tok)
		if !ok {
			return
		}
		o.bus.Publish(convID, event.Event{Type: event.ToolStart, Data: ev.ToolCall})

	case provider.EventToolComplete:
		o.mu.Lock()
		if !o.streamLiveLocked(tok) {
			o.mu.Unlock()
			return
		}
		convID := o.conversation.ID
		if ev.ToolResult != nil && ev.ToolResult.Content != "" {
			o.current.Messages = append(o.current.Messages, types.Message{
				ID:        newULID(),
				Type:      types.MessageInformation,
				Text:      ev.ToolResult.Content,
				CreatedAt: time.Now().UnixMilli(),
			})
		}
		o.mu.Unlock()
		o.bus.Publish(convID, event.Event{Type: event.ToolComplete, Data: ev.ToolResult})

	case provider.EventStreamComplete:
		o.finalizeStream(tok)

	case provider.EventStreamError:
		// The error surfaces through SendMessage's return value; failStream
		// handles it there.
	}
}

func (o *Orchestrator) liveConversation(tok uint64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.streamLiveLocked(tok) {
		return "", false
	}
	return o.conversation.ID, true
}

// finalizeStream turns the accumulated stream text into the assistant
// message, persists the interaction, and prepends it to the cache.
// Idempotent per token.
func (o *Orchestrator) finalizeStream(tok uint64) {
	o.mu.Lock()
	if !o.streamLiveLocked(tok) {
		o.mu.Unlock()
		return
	}
	o.streamDone = true
	o.streaming = false
	inter := o.current
	o.current = nil
	text := o.streamText
	o.streamText = ""
	convID := o.conversation.ID

	now := time.Now().UnixMilli()
	if text != "" {
		inter.Messages = append(inter.Messages, types.Message{
			ID:        newULID(),
			Type:      types.MessageStina,
			Text:      text,
			CreatedAt: now,
		})
	}
	inter.Time.Completed = &now
	o.interactions = append([]*types.Interaction{inter}, o.interactions...)
	o.totalInteractions++
	o.mu.Unlock()

	if err := o.repo.SaveInteraction(o.ctx, inter); err != nil {
		o.log.Error().Err(err).Str("interaction", inter.ID).Msg("persist interaction")
	}
	o.bus.Publish(convID, event.Event{Type: event.InteractionSaved, Data: inter})
	o.bus.Publish(convID, event.Event{Type: event.StateChange, Data: stateData(false)})
}

// failStream persists the interaction with the error flag. It stays
// visible in history but is excluded from future provider context.
func (o *Orchestrator) failStream(tok uint64, streamErr error) error {
	o.mu.Lock()
	if !o.streamLiveLocked(tok) {
		o.mu.Unlock()
		return errAborted
	}
	o.streamDone = true
	o.streaming = false
	inter := o.current
	o.current = nil
	text := o.streamText
	o.streamText = ""
	convID := o.conversation.ID

	now := time.Now().UnixMilli()
	if text != "" {
		inter.Messages = append(inter.Messages, types.Message{
			ID:        newULID(),
			Type:      types.MessageStina,
			Text:      text,
			CreatedAt: now,
		})
	}
	inter.Error = true
	o.interactions = append([]*types.Interaction{inter}, o.interactions...)
	o.totalInteractions++
	o.mu.Unlock()

	if err := o.repo.SaveInteraction(o.ctx, inter); err != nil {
		o.log.Error().Err(err).Str("interaction", inter.ID).Msg("persist errored interaction")
	}
	o.bus.Publish(convID, event.Event{
		Type: event.StreamError,
		Data: map[string]any{"interactionId": inter.ID, "error": streamErr.Error()},
	})
	o.bus.Publish(convID, event.Event{Type: event.StateChange, Data: stateData(false)})
	return streamErr
}
