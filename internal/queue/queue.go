// Package queue provides the ordered FIFO of pending jobs for one
// orchestrator instance.
package queue

import "time"

// Role identifies the origin of a queued message.
type Role string

const (
	RoleUser        Role = "user"
	RoleInstruction Role = "instruction"
)

// Context tells the orchestrator why a message was queued.
type Context string

const (
	ContextNone              Context = ""
	ContextConversationStart Context = "conversation-start"
	ContextSettingsUpdate    Context = "settings-update"
)

// Message is one pending job.
type Message struct {
	ID        string
	Text      string
	Role      Role
	Context   Context
	CreatedAt time.Time
}

// Item is the client-facing view of a queued message.
type Item struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Preview string `json:"preview"`
}

// Snapshot is an ordered view of the queue plus the processing flag.
type Snapshot struct {
	Queued       []Item `json:"queued"`
	IsProcessing bool   `json:"isProcessing"`
}

const (
	previewMax  = 50
	previewTrim = 47
)

// Queue is a plain in-memory FIFO. It carries no locking of its own; the
// owning orchestrator serializes access.
type Queue struct {
	items []*Message
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends a message to the tail.
func (q *Queue) Enqueue(msg *Message) {
	q.items = append(q.items, msg)
}

// Shift pops the head, or reports an empty queue.
func (q *Queue) Shift() (*Message, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Remove deletes a message anywhere in the queue by id. The caller is
// responsible for never passing the active job's id.
func (q *Queue) Remove(id string) *Message {
	for i, msg := range q.items {
		if msg.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return msg
		}
	}
	return nil
}

// Clear drains the queue and returns everything removed so callers can
// settle the pending completions.
func (q *Queue) Clear() []*Message {
	drained := q.items
	q.items = nil
	return drained
}

// Len returns the number of pending messages.
func (q *Queue) Len() int {
	return len(q.items)
}

// Snapshot returns the ordered client view. Previews longer than 50
// characters are trimmed to 47 plus an ellipsis.
func (q *Queue) Snapshot(isProcessing bool) Snapshot {
	items := make([]Item, 0, len(q.items))
	for _, msg := range q.items {
		items = append(items, Item{ID: msg.ID, Role: msg.Role, Preview: preview(msg.Text)})
	}
	return Snapshot{Queued: items, IsProcessing: isProcessing}
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMax {
		return text
	}
	return string(runes[:previewTrim]) + "..."
}
