// Package session implements the per-user orchestrator: the job queue,
// the streaming lifecycle, and conversation state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/logging"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/queue"
	"github.com/pro-assist/stina-server/internal/storage"
	"github.com/pro-assist/stina-server/internal/tool"
	"github.com/pro-assist/stina-server/pkg/types"
)

// ErrNoProvider is returned when a job needs a completion but no provider
// is registered.
var ErrNoProvider = errors.New("no provider available")

// errAborted signals that the in-flight stream was abandoned by an abort.
var errAborted = errors.New("stream aborted")

// interactionPageSize is how much history is primed when loading a
// conversation.
const interactionPageSize = 50

// Repository is the persistence surface the orchestrator needs.
type Repository interface {
	SaveConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	GetLatestActiveConversation(ctx context.Context, userID string) (*types.Conversation, error)
	GetConversationInteractions(ctx context.Context, conversationID string, limit, offset int) ([]*types.Interaction, error)
	CountConversationInteractions(ctx context.Context, conversationID string) (int, error)
	SaveInteraction(ctx context.Context, inter *types.Interaction) error
	UpdateConversationMetadata(ctx context.Context, id string, md types.ConversationMetadata) error
}

// ModelConfigProvider resolves the configured default model. A nil model
// with a nil error means "use the first registered provider".
type ModelConfigProvider interface {
	DefaultModel(ctx context.Context) (*types.ModelRef, error)
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Repo          Repository
	Providers     *provider.Registry
	Tools         *tool.Registry
	ModelConfig   ModelConfigProvider
	Bus           *event.Bus
	Confirmations *confirm.Store
	// SystemPrompt returns the current system prompt text. Re-evaluated per
	// job so settings changes take effect mid-conversation.
	SystemPrompt func() string
}

// Orchestrator owns one user's conversation and serializes all work on it.
// At most one job streams at a time; everything else waits in the queue.
type Orchestrator struct {
	userID string
	log    zerolog.Logger
	ctx    context.Context

	repo          Repository
	providers     *provider.Registry
	tools         *tool.Registry
	modelCfg      ModelConfigProvider
	bus           *event.Bus
	confirmations *confirm.Store
	systemPrompt  func() string

	mu           sync.Mutex
	conversation *types.Conversation
	// interactions is the newest-first cache of persisted interactions.
	interactions      []*types.Interaction
	totalInteractions int

	queue    *queue.Queue
	active   *queue.Message
	draining bool
	paused   bool

	current     *types.Interaction
	streaming   bool
	streamDone  bool
	streamToken uint64
	streamText  string
	gate        *abortGate

	completions map[string]*Completion
}

// NewOrchestrator creates an orchestrator for one user.
func NewOrchestrator(ctx context.Context, userID string, deps Deps) *Orchestrator {
	if deps.Confirmations == nil {
		deps.Confirmations = confirm.NewStore()
	}
	if deps.SystemPrompt == nil {
		deps.SystemPrompt = func() string { return "" }
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Orchestrator{
		userID:        userID,
		log:           logging.Component("session").With().Str("user", userID).Logger(),
		ctx:           ctx,
		repo:          deps.Repo,
		providers:     deps.Providers,
		tools:         deps.Tools,
		modelCfg:      deps.ModelConfig,
		bus:           deps.Bus,
		confirmations: deps.Confirmations,
		systemPrompt:  deps.SystemPrompt,
		queue:         queue.New(),
		completions:   make(map[string]*Completion),
	}
}

// UserID returns the owning user.
func (o *Orchestrator) UserID() string { return o.userID }

// ConversationID returns the current conversation id, or "" before the
// first job creates one.
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conversation == nil {
		return ""
	}
	return o.conversation.ID
}

// EnqueueMessage appends a job to the queue and starts draining. The
// returned Completion resolves when the job finishes, fails, or is removed.
func (o *Orchestrator) EnqueueMessage(text string, role queue.Role, id string, jctx queue.Context) *Completion {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		id = newULID()
	}
	comp := newCompletion()
	o.completions[id] = comp

	o.queue.Enqueue(&queue.Message{
		ID:        id,
		Text:      text,
		Role:      role,
		Context:   jctx,
		CreatedAt: time.Now(),
	})
	o.paused = false
	o.publishQueueUpdateLocked()
	o.startDrainingLocked()
	return comp
}

// RemoveQueued removes a still-pending job. The active job cannot be
// removed; use Abort for that.
func (o *Orchestrator) RemoveQueued(id string) bool {
	o.mu.Lock()
	if o.active != nil && o.active.ID == id {
		o.mu.Unlock()
		return false
	}
	msg := o.queue.Remove(id)
	if msg == nil {
		o.mu.Unlock()
		return false
	}
	comp := o.completions[id]
	delete(o.completions, id)
	o.publishQueueUpdateLocked()
	o.mu.Unlock()

	if comp != nil {
		comp.settle(JobResult{Removed: true})
	}
	return true
}

// ClearQueue drops every pending job, settling their completions as
// removed. The active job keeps running.
func (o *Orchestrator) ClearQueue() int {
	o.mu.Lock()
	drained := o.queue.Clear()
	comps := make([]*Completion, 0, len(drained))
	for _, msg := range drained {
		if comp := o.completions[msg.ID]; comp != nil {
			comps = append(comps, comp)
		}
		delete(o.completions, msg.ID)
	}
	o.publishQueueUpdateLocked()
	o.mu.Unlock()

	for _, comp := range comps {
		comp.settle(JobResult{Removed: true})
	}
	return len(drained)
}

// Abort abandons the in-flight stream, if any. The partially streamed
// interaction is discarded, never persisted. Pending tool confirmations
// for the conversation are force-denied. With continueQueue the next
// queued job starts immediately; otherwise draining pauses until the next
// enqueue.
func (o *Orchestrator) Abort(continueQueue bool) {
	o.mu.Lock()
	convID := ""
	if o.conversation != nil {
		convID = o.conversation.ID
	}

	wasStreaming := o.streaming
	if o.streaming {
		o.streaming = false
		o.streamDone = true
		o.streamToken++
		o.current = nil
		o.streamText = ""
	}
	o.paused = !continueQueue
	gate := o.gate
	if continueQueue {
		o.startDrainingLocked()
	}
	o.publishQueueUpdateLocked()
	o.mu.Unlock()

	if gate != nil {
		gate.cancel()
	}
	if convID != "" {
		o.confirmations.ClearForConversation(convID, abortDenialReason)
		if wasStreaming {
			o.bus.Publish(convID, event.Event{Type: event.StateChange, Data: stateData(false)})
		}
	}
}

// ResetConversation aborts any stream, clears the queue, and detaches from
// the current conversation. The next job starts a fresh one.
func (o *Orchestrator) ResetConversation() {
	o.Abort(false)
	o.ClearQueue()

	o.mu.Lock()
	o.conversation = nil
	o.interactions = nil
	o.totalInteractions = 0
	o.paused = false
	o.mu.Unlock()
}

// GetQueueState returns the client view of the queue. IsProcessing covers
// the whole pipeline: streaming, an active job, or anything still queued.
func (o *Orchestrator) GetQueueState() queue.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Snapshot(o.isProcessingLocked())
}

// ResolveToolConfirmation answers a pending confirmation scoped to this
// user.
func (o *Orchestrator) ResolveToolConfirmation(toolCallName string, resp confirm.Response) bool {
	return o.confirmations.Resolve(toolCallName, resp, o.userID)
}

// PendingConfirmations lists unanswered confirmations for the current
// conversation so reconnecting clients can replay them.
func (o *Orchestrator) PendingConfirmations() []*confirm.Pending {
	convID := o.ConversationID()
	if convID == "" {
		return nil
	}
	return o.confirmations.ForConversation(convID)
}

// LoadConversation attaches to an existing conversation, priming the
// history cache with the newest page.
func (o *Orchestrator) LoadConversation(ctx context.Context, id string) error {
	conv, err := o.repo.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	page, err := o.repo.GetConversationInteractions(ctx, id, interactionPageSize, 0)
	if err != nil {
		return err
	}
	total, err := o.repo.CountConversationInteractions(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.conversation = conv
	o.interactions = page
	o.totalInteractions = total
	o.mu.Unlock()
	return nil
}

// LoadLatestActive attaches to the user's most recent non-archived
// conversation, if one exists.
func (o *Orchestrator) LoadLatestActive(ctx context.Context) error {
	conv, err := o.repo.GetLatestActiveConversation(ctx, o.userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.LoadConversation(ctx, conv.ID)
}

// Conversation returns a copy of the current conversation, or nil.
func (o *Orchestrator) Conversation() *types.Conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.conversation == nil {
		return nil
	}
	conv := *o.conversation
	return &conv
}

// Interactions returns the cached newest-first interactions and the total
// persisted count.
func (o *Orchestrator) Interactions() ([]*types.Interaction, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*types.Interaction, len(o.interactions))
	copy(out, o.interactions)
	return out, o.totalInteractions
}

func (o *Orchestrator) isProcessingLocked() bool {
	return o.streaming || o.active != nil || o.draining || o.queue.Len() > 0
}

func (o *Orchestrator) publishQueueUpdateLocked() {
	if o.conversation == nil {
		return
	}
	snap := o.queue.Snapshot(o.isProcessingLocked())
	o.bus.Publish(o.conversation.ID, event.Event{
		Type: event.QueueUpdate,
		Data: event.QueueUpdateData{Queued: snap.Queued, IsProcessing: snap.IsProcessing},
	})
}

func (o *Orchestrator) startDrainingLocked() {
	if o.draining {
		return
	}
	o.draining = true
	go o.drainQueue()
}

// drainQueue runs jobs strictly one at a time until the queue empties or
// draining is paused by an abort.
func (o *Orchestrator) drainQueue() {
	for {
		o.mu.Lock()
		if o.paused {
			o.draining = false
			o.publishQueueUpdateLocked()
			o.mu.Unlock()
			return
		}
		msg, ok := o.queue.Shift()
		if !ok {
			o.draining = false
			o.publishQueueUpdateLocked()
			o.mu.Unlock()
			return
		}
		o.active = msg
		comp := o.completions[msg.ID]
		delete(o.completions, msg.ID)
		o.publishQueueUpdateLocked()
		o.mu.Unlock()

		err := o.processQueuedMessage(msg)

		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()

		if comp != nil {
			if errors.Is(err, errAborted) {
				comp.settle(JobResult{Removed: true})
			} else {
				comp.settle(JobResult{Err: err})
			}
		}
		if err != nil && !errors.Is(err, errAborted) {
			o.log.Error().Err(err).Str("job", msg.ID).Msg("job failed")
		}
	}
}

func stateData(streaming bool) map[string]any {
	return map[string]any{"streaming": streaming}
}

func newULID() string {
	return ulid.Make().String()
}
