// Package event provides the per-conversation pub/sub fan-out of
// orchestrator events, built on watermill.
package event

import (
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/pro-assist/stina-server/internal/logging"
	"github.com/pro-assist/stina-server/internal/queue"
)

// Type is an orchestrator event type.
type Type string

const (
	QueueUpdate             Type = "queue-update"
	InteractionStarted      Type = "interaction-started"
	ThinkingUpdate          Type = "thinking-update"
	ContentUpdate           Type = "content-update"
	ToolStart               Type = "tool-start"
	ToolComplete            Type = "tool-complete"
	ToolConfirmationPending Type = "tool-confirmation-pending"
	StreamComplete          Type = "stream-complete"
	StreamError             Type = "stream-error"
	InteractionSaved        Type = "interaction-saved"
	ConversationCreated     Type = "conversation-created"
	StateChange             Type = "state-change"
)

// Event is one state change broadcast to every client viewing a
// conversation.
type Event struct {
	Type           Type   `json:"type"`
	ConversationID string `json:"conversationId"`
	Data           any    `json:"data,omitempty"`
}

// Subscriber is one client connection viewing a conversation.
type Subscriber struct {
	ID       string
	UserID   string
	Callback func(Event)
}

// Bus fans orchestrator events out to subscribers grouped by conversation.
// Fan-out is synchronous and preserves publish order for any single
// subscriber; callback panics are recovered and logged, never propagated.
// Every publish is mirrored onto a watermill topic for middleware/routing.
type Bus struct {
	mu          sync.RWMutex
	pubsub      *gochannel.GoChannel
	subscribers map[string][]*Subscriber
	closed      bool
	log         zerolog.Logger
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[string][]*Subscriber),
		log:         logging.Component("event"),
	}
}

// Subscribe registers a subscriber for one conversation and returns an
// unsubscribe closure bound to the client connection's lifetime.
func (b *Bus) Subscribe(conversationID string, sub Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	if sub.ID == "" {
		sub.ID = watermill.NewUUID()
	}
	s := &sub
	b.subscribers[conversationID] = append(b.subscribers[conversationID], s)

	return func() {
		b.unsubscribe(conversationID, s.ID)
	}
}

func (b *Bus) unsubscribe(conversationID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[conversationID]
	for i, s := range subs {
		if s.ID == id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	} else {
		b.subscribers[conversationID] = subs
	}
}

// Publish fans an event out to every subscriber of the conversation.
func (b *Bus) Publish(conversationID string, evt Event) {
	evt.ConversationID = conversationID

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscriber, len(b.subscribers[conversationID]))
	copy(subs, b.subscribers[conversationID])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(s, evt)
	}
	b.mirror(conversationID, evt)
}

func (b *Bus) dispatch(s *Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("subscriber", s.ID).
				Str("eventType", string(evt.Type)).
				Any("panic", r).
				Msg("event subscriber panicked")
		}
	}()
	s.Callback(evt)
}

// mirror publishes the event onto the watermill topic for the conversation.
func (b *Bus) mirror(conversationID string, evt Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish("conversation."+conversationID, msg); err != nil {
		b.log.Debug().Err(err).Msg("watermill mirror publish failed")
	}
}

// SubscriberCount returns the number of subscribers for a conversation.
func (b *Bus) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// PubSub exposes the underlying watermill channel for advanced consumers.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close drops all subscribers and closes the watermill channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[string][]*Subscriber)
	b.mu.Unlock()

	return b.pubsub.Close()
}

// QueueUpdateData is the payload of queue-update events.
type QueueUpdateData struct {
	Queued       []queue.Item `json:"queued"`
	IsProcessing bool         `json:"isProcessing"`
}
