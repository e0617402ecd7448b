package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/queue"
	"github.com/pro-assist/stina-server/internal/storage"
	"github.com/pro-assist/stina-server/internal/tool"
	"github.com/pro-assist/stina-server/pkg/types"
)

type fakeRepo struct {
	mu            sync.Mutex
	conversations map[string]*types.Conversation
	saved         []*types.Interaction
	// onSaveConversation, when set, runs after each save; tests use it to
	// subscribe to the bus as soon as the conversation id exists.
	onSaveConversation func(*types.Conversation)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{conversations: make(map[string]*types.Conversation)}
}

func (r *fakeRepo) SaveConversation(ctx context.Context, conv *types.Conversation) error {
	r.mu.Lock()
	cp := *conv
	r.conversations[conv.ID] = &cp
	hook := r.onSaveConversation
	r.mu.Unlock()
	if hook != nil {
		hook(conv)
	}
	return nil
}

func (r *fakeRepo) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (r *fakeRepo) GetLatestActiveConversation(ctx context.Context, userID string) (*types.Conversation, error) {
	return nil, storage.ErrNotFound
}

func (r *fakeRepo) GetConversationInteractions(ctx context.Context, conversationID string, limit, offset int) ([]*types.Interaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Interaction
	for i := len(r.saved) - 1; i >= 0; i-- {
		if r.saved[i].ConversationID == conversationID {
			out = append(out, r.saved[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) CountConversationInteractions(ctx context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inter := range r.saved {
		if inter.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) SaveInteraction(ctx context.Context, inter *types.Interaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, inter)
	return nil
}

func (r *fakeRepo) UpdateConversationMetadata(ctx context.Context, id string, md types.ConversationMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[id]; ok {
		conv.Metadata = md
	}
	return nil
}

func (r *fakeRepo) savedInteractions() []*types.Interaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Interaction, len(r.saved))
	copy(out, r.saved)
	return out
}

type sendFunc func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error

type fakeProvider struct {
	id   string
	mu   sync.Mutex
	hist [][]provider.Message
	send sendFunc
}

func (p *fakeProvider) ID() string   { return p.id }
func (p *fakeProvider) Name() string { return p.id }

func (p *fakeProvider) SendMessage(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
	p.mu.Lock()
	p.hist = append(p.hist, history)
	n := len(p.hist)
	send := p.send
	p.mu.Unlock()

	if send != nil {
		return send(ctx, history, prompt, onEvent, opts)
	}
	onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: fmt.Sprintf("reply-%d", n)})
	onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
	return nil
}

func (p *fakeProvider) calls() [][]provider.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]provider.Message, len(p.hist))
	copy(out, p.hist)
	return out
}

type testEnv struct {
	orch  *Orchestrator
	repo  *fakeRepo
	prov  *fakeProvider
	store *confirm.Store
	tools *tool.Registry
	bus   *event.Bus
}

func newTestEnv(t *testing.T, prompt string) *testEnv {
	t.Helper()

	repo := newFakeRepo()
	prov := &fakeProvider{id: "fake"}
	providers := provider.NewRegistry()
	providers.Register(prov)
	store := confirm.NewStore()
	tools := tool.NewRegistry()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	orch := NewOrchestrator(context.Background(), "u1", Deps{
		Repo:          repo,
		Providers:     providers,
		Tools:         tools,
		Bus:           bus,
		Confirmations: store,
		SystemPrompt:  func() string { return prompt },
	})
	return &testEnv{orch: orch, repo: repo, prov: prov, store: store, tools: tools, bus: bus}
}

func waitResult(t *testing.T, comp *Completion) JobResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := comp.Wait(ctx)
	require.NoError(t, err, "job did not settle in time")
	return res
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestOrchestrator_ProcessesJobsInOrder(t *testing.T) {
	env := newTestEnv(t, "")

	c1 := env.orch.EnqueueMessage("first", queue.RoleUser, "", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("second", queue.RoleUser, "", queue.ContextNone)
	c3 := env.orch.EnqueueMessage("third", queue.RoleUser, "", queue.ContextNone)

	for _, c := range []*Completion{c1, c2, c3} {
		res := waitResult(t, c)
		assert.NoError(t, res.Err)
		assert.False(t, res.Removed)
	}

	saved := env.repo.savedInteractions()
	require.Len(t, saved, 3)
	assert.Equal(t, "first", saved[0].Messages[0].Text)
	assert.Equal(t, "second", saved[1].Messages[0].Text)
	assert.Equal(t, "third", saved[2].Messages[0].Text)

	// each later call sees the earlier turns, oldest first
	calls := env.prov.calls()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0], 1)
	require.Len(t, calls[1], 3)
	assert.Equal(t, "first", calls[1][0].Content)
	assert.Equal(t, "reply-1", calls[1][1].Content)
	assert.Equal(t, provider.RoleAssistant, calls[1][1].Role)
	assert.Equal(t, "second", calls[1][2].Content)
	assert.Len(t, calls[2], 5)

	snap := env.orch.GetQueueState()
	assert.False(t, snap.IsProcessing)
	assert.Empty(t, snap.Queued)
}

func TestOrchestrator_ActiveJobNotInSnapshot(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	release := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		close(started)
		<-release
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	c1 := env.orch.EnqueueMessage("active job", queue.RoleUser, "job1", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("waiting job", queue.RoleUser, "job2", queue.ContextNone)
	<-started

	snap := env.orch.GetQueueState()
	assert.True(t, snap.IsProcessing)
	require.Len(t, snap.Queued, 1)
	assert.Equal(t, "job2", snap.Queued[0].ID)

	env.prov.send = nil
	close(release)
	waitResult(t, c1)
	waitResult(t, c2)
}

func TestOrchestrator_RemoveQueuedSettlesWithoutProvider(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	release := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		close(started)
		<-release
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	c1 := env.orch.EnqueueMessage("keep", queue.RoleUser, "job1", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("drop", queue.RoleUser, "job2", queue.ContextNone)
	<-started

	// the active job cannot be removed
	assert.False(t, env.orch.RemoveQueued("job1"))
	assert.True(t, env.orch.RemoveQueued("job2"))
	assert.False(t, env.orch.RemoveQueued("job2"))

	res := waitResult(t, c2)
	assert.True(t, res.Removed)
	assert.NoError(t, res.Err)

	close(release)
	waitResult(t, c1)
	assert.Len(t, env.prov.calls(), 1)
}

func TestOrchestrator_ClearQueueKeepsActive(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	release := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		close(started)
		<-release
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	c1 := env.orch.EnqueueMessage("active", queue.RoleUser, "", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("queued-a", queue.RoleUser, "", queue.ContextNone)
	c3 := env.orch.EnqueueMessage("queued-b", queue.RoleUser, "", queue.ContextNone)
	<-started

	assert.Equal(t, 2, env.orch.ClearQueue())
	assert.True(t, waitResult(t, c2).Removed)
	assert.True(t, waitResult(t, c3).Removed)

	close(release)
	res := waitResult(t, c1)
	assert.NoError(t, res.Err)
	assert.False(t, res.Removed)
}

func TestOrchestrator_IdleAbortIsHarmless(t *testing.T) {
	env := newTestEnv(t, "")

	env.orch.Abort(false)
	env.orch.Abort(true)

	c := env.orch.EnqueueMessage("hello", queue.RoleUser, "", queue.ContextNone)
	res := waitResult(t, c)
	assert.NoError(t, res.Err)
	require.Len(t, env.repo.savedInteractions(), 1)
}

func TestOrchestrator_AbortDiscardsStreamAndPausesQueue(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	block := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "partial"})
		close(started)
		<-block
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	c1 := env.orch.EnqueueMessage("doomed", queue.RoleUser, "", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("parked", queue.RoleUser, "", queue.ContextNone)
	<-started

	env.orch.Abort(false)

	res := waitResult(t, c1)
	assert.True(t, res.Removed)
	assert.NoError(t, res.Err)

	// let the stale provider call finish; its completion must be dropped
	close(block)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.repo.savedInteractions())

	// queue paused until the next enqueue
	snap := env.orch.GetQueueState()
	require.Len(t, snap.Queued, 1)

	env.prov.send = nil
	c3 := env.orch.EnqueueMessage("resume", queue.RoleUser, "", queue.ContextNone)
	waitResult(t, c2)
	waitResult(t, c3)
	assert.Len(t, env.repo.savedInteractions(), 2)
}

func TestOrchestrator_AbortContinueQueueRunsNextJob(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	block := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		close(started)
		<-block
		return nil
	}

	c1 := env.orch.EnqueueMessage("doomed", queue.RoleUser, "", queue.ContextNone)
	c2 := env.orch.EnqueueMessage("next", queue.RoleUser, "", queue.ContextNone)
	<-started

	env.prov.send = nil
	env.orch.Abort(true)
	close(block)

	assert.True(t, waitResult(t, c1).Removed)
	res := waitResult(t, c2)
	assert.NoError(t, res.Err)
	assert.False(t, res.Removed)
}

func TestOrchestrator_FirstEnqueuePublishesQueueUpdate(t *testing.T) {
	env := newTestEnv(t, "")

	var mu sync.Mutex
	var seen []event.Type
	env.repo.onSaveConversation = func(conv *types.Conversation) {
		env.bus.Subscribe(conv.ID, event.Subscriber{Callback: func(evt event.Event) {
			mu.Lock()
			seen = append(seen, evt.Type)
			mu.Unlock()
		}})
	}

	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("hello", queue.RoleUser, "", queue.ContextNone)).Err)

	// the enqueue's queue-update is delivered once the conversation exists,
	// before the interaction starts
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, event.ConversationCreated, seen[0])
	assert.Equal(t, event.QueueUpdate, seen[1])
	assert.Equal(t, event.InteractionStarted, seen[2])
}

func TestOrchestrator_AbortStateChangeFollowsStreamStart(t *testing.T) {
	env := newTestEnv(t, "")

	started := make(chan struct{})
	block := make(chan struct{})
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		close(started)
		<-block
		return nil
	}

	var mu sync.Mutex
	var states []bool
	env.repo.onSaveConversation = func(conv *types.Conversation) {
		env.bus.Subscribe(conv.ID, event.Subscriber{Callback: func(evt event.Event) {
			if evt.Type != event.StateChange {
				return
			}
			mu.Lock()
			states = append(states, evt.Data.(map[string]any)["streaming"].(bool))
			mu.Unlock()
		}})
	}

	c := env.orch.EnqueueMessage("doomed", queue.RoleUser, "", queue.ContextNone)
	<-started

	env.orch.Abort(false)
	close(block)
	assert.True(t, waitResult(t, c).Removed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, states)
}

func TestOrchestrator_StreamErrorPersistsAndIsExcludedFromHistory(t *testing.T) {
	env := newTestEnv(t, "")

	boom := errors.New("model unavailable")
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		return boom
	}

	c1 := env.orch.EnqueueMessage("fails", queue.RoleUser, "", queue.ContextNone)
	res := waitResult(t, c1)
	assert.ErrorIs(t, res.Err, boom)

	saved := env.repo.savedInteractions()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Error)

	env.prov.send = nil
	c2 := env.orch.EnqueueMessage("works", queue.RoleUser, "", queue.ContextNone)
	require.NoError(t, waitResult(t, c2).Err)

	calls := env.prov.calls()
	require.Len(t, calls, 2)
	// the errored turn is not replayed to the provider
	require.Len(t, calls[1], 1)
	assert.Equal(t, "works", calls[1][0].Content)

	_, total := env.orch.Interactions()
	assert.Equal(t, 2, total)
}

func TestOrchestrator_NoProvider(t *testing.T) {
	repo := newFakeRepo()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	orch := NewOrchestrator(context.Background(), "u1", Deps{
		Repo:      repo,
		Providers: provider.NewRegistry(),
		Tools:     tool.NewRegistry(),
		Bus:       bus,
	})

	res := waitResult(t, orch.EnqueueMessage("hi", queue.RoleUser, "", queue.ContextNone))
	assert.ErrorIs(t, res.Err, ErrNoProvider)

	saved := repo.savedInteractions()
	require.Len(t, saved, 1)
	assert.True(t, saved[0].Error)
}

func TestOrchestrator_SystemPromptMarkerAndDedup(t *testing.T) {
	env := newTestEnv(t, "be concise")

	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("one", queue.RoleUser, "", queue.ContextNone)).Err)
	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("two", queue.RoleUser, "", queue.ContextNone)).Err)

	saved := env.repo.savedInteractions()
	require.Len(t, saved, 2)

	// first interaction carries the marked prompt message
	first := saved[0]
	require.Len(t, first.Messages, 3)
	assert.True(t, first.Messages[0].Metadata.SystemPrompt)
	assert.Equal(t, "be concise", first.Messages[0].Text)

	// unchanged prompt is not re-sent
	second := saved[1]
	for _, m := range second.Messages {
		assert.False(t, m.Metadata.SystemPrompt)
	}

	// marked messages never reach provider history
	for _, call := range env.prov.calls() {
		for _, m := range call {
			assert.NotEqual(t, "be concise", m.Content)
		}
	}
}

func TestOrchestrator_EmptyConversationStartUsesGreeting(t *testing.T) {
	env := newTestEnv(t, "")

	res := waitResult(t, env.orch.EnqueueMessage("", queue.RoleInstruction, "", queue.ContextConversationStart))
	require.NoError(t, res.Err)

	calls := env.prov.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, greetingInstruction, calls[0][0].Content)

	saved := env.repo.savedInteractions()
	require.Len(t, saved, 1)
	main := saved[0].Messages[len(saved[0].Messages)-2] // last is the assistant reply
	assert.Equal(t, types.MessageInstruction, main.Type)
}

func TestOrchestrator_SettingsUpdateAddsNotice(t *testing.T) {
	env := newTestEnv(t, "prompt v2")

	res := waitResult(t, env.orch.EnqueueMessage("", queue.RoleInstruction, "", queue.ContextSettingsUpdate))
	require.NoError(t, res.Err)

	saved := env.repo.savedInteractions()
	require.Len(t, saved, 1)
	msgs := saved[0].Messages

	var notice, instruction bool
	for _, m := range msgs {
		if m.Type == types.MessageInformation && m.Text == settingsUpdatedNotice {
			notice = true
		}
		if m.Text == settingsUpdateInstruction {
			instruction = true
		}
	}
	assert.True(t, notice)
	assert.True(t, instruction)
}

func TestOrchestrator_ConfirmationGatesExecution(t *testing.T) {
	env := newTestEnv(t, "")

	var executed int32
	env.tools.Register(tool.NewConfirmedTool("send_mail", "send an email", nil,
		&tool.Confirmation{Title: "Send email", HiddenParams: []string{"preview"}},
		func(ctx context.Context, input map[string]any, tctx *tool.Context) (*tool.Result, error) {
			atomic.AddInt32(&executed, 1)
			_, hasPreview := input["preview"]
			assert.False(t, hasPreview)
			assert.Equal(t, "bob", input["to"])
			return &tool.Result{Output: "sent"}, nil
		}))

	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		result := opts.ExecuteTool(ctx, provider.ToolCall{
			ID:    "call1",
			Name:  "send_mail",
			Input: map[string]any{"to": "bob", "preview": "Hi Bob"},
		})
		if result.IsError {
			onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "could not send"})
		} else {
			onEvent(provider.StreamEvent{Type: provider.EventContentUpdate, Text: "done: " + result.Content})
		}
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	comp := env.orch.EnqueueMessage("mail bob", queue.RoleUser, "", queue.ContextNone)

	waitFor(t, func() bool { return env.store.Len() == 1 }, "confirmation registered")
	assert.Zero(t, atomic.LoadInt32(&executed))

	require.True(t, env.orch.ResolveToolConfirmation("send_mail", confirm.Response{Approved: true}))
	require.NoError(t, waitResult(t, comp).Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&executed))
	assert.Zero(t, env.store.Len())
}

func TestOrchestrator_DenialSkipsExecution(t *testing.T) {
	env := newTestEnv(t, "")

	var executed int32
	env.tools.Register(tool.NewConfirmedTool("send_mail", "send an email", nil,
		&tool.Confirmation{Title: "Send email"},
		func(ctx context.Context, input map[string]any, tctx *tool.Context) (*tool.Result, error) {
			atomic.AddInt32(&executed, 1)
			return &tool.Result{Output: "sent"}, nil
		}))

	var toolResult provider.ToolResult
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		toolResult = opts.ExecuteTool(ctx, provider.ToolCall{ID: "call1", Name: "send_mail"})
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	comp := env.orch.EnqueueMessage("mail bob", queue.RoleUser, "", queue.ContextNone)
	waitFor(t, func() bool { return env.store.Len() == 1 }, "confirmation registered")

	require.True(t, env.orch.ResolveToolConfirmation("send_mail", confirm.Response{Approved: false, DenialReason: "not now"}))
	require.NoError(t, waitResult(t, comp).Err)

	assert.Zero(t, atomic.LoadInt32(&executed))
	assert.True(t, toolResult.IsError)
	assert.Equal(t, "Tool execution denied: not now", toolResult.Content)

	// answering twice finds nothing pending
	assert.False(t, env.orch.ResolveToolConfirmation("send_mail", confirm.Response{Approved: true}))
}

func TestOrchestrator_AbortDeniesPendingConfirmation(t *testing.T) {
	env := newTestEnv(t, "")

	var executed int32
	env.tools.Register(tool.NewConfirmedTool("send_mail", "send an email", nil,
		&tool.Confirmation{Title: "Send email"},
		func(ctx context.Context, input map[string]any, tctx *tool.Context) (*tool.Result, error) {
			atomic.AddInt32(&executed, 1)
			return &tool.Result{Output: "sent"}, nil
		}))

	denied := make(chan provider.ToolResult, 1)
	env.prov.send = func(ctx context.Context, history []provider.Message, prompt string, onEvent func(provider.StreamEvent), opts provider.Options) error {
		denied <- opts.ExecuteTool(ctx, provider.ToolCall{ID: "call1", Name: "send_mail"})
		onEvent(provider.StreamEvent{Type: provider.EventStreamComplete})
		return nil
	}

	comp := env.orch.EnqueueMessage("mail bob", queue.RoleUser, "", queue.ContextNone)
	waitFor(t, func() bool { return env.store.Len() == 1 }, "confirmation registered")

	env.orch.Abort(false)

	res := waitResult(t, comp)
	assert.True(t, res.Removed)

	result := <-denied
	assert.True(t, result.IsError)
	assert.Equal(t, "Tool execution denied: Stream aborted", result.Content)
	assert.Zero(t, atomic.LoadInt32(&executed))
	assert.Zero(t, env.store.Len())
	assert.Empty(t, env.repo.savedInteractions())
}

func TestOrchestrator_ResetStartsFreshConversation(t *testing.T) {
	env := newTestEnv(t, "")

	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("one", queue.RoleUser, "", queue.ContextNone)).Err)
	firstConv := env.orch.ConversationID()
	require.NotEmpty(t, firstConv)

	env.orch.ResetConversation()
	assert.Empty(t, env.orch.ConversationID())

	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("two", queue.RoleUser, "", queue.ContextNone)).Err)
	secondConv := env.orch.ConversationID()
	require.NotEmpty(t, secondConv)
	assert.NotEqual(t, firstConv, secondConv)

	// fresh conversation has no carried-over history
	calls := env.prov.calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1], 1)
}

func TestOrchestrator_LoadConversationPrimesHistory(t *testing.T) {
	env := newTestEnv(t, "")

	require.NoError(t, waitResult(t, env.orch.EnqueueMessage("remember me", queue.RoleUser, "", queue.ContextNone)).Err)
	convID := env.orch.ConversationID()

	// a second orchestrator attaching to the same conversation sees history
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	providers := provider.NewRegistry()
	providers.Register(env.prov)
	other := NewOrchestrator(context.Background(), "u1", Deps{
		Repo:      env.repo,
		Providers: providers,
		Tools:     tool.NewRegistry(),
		Bus:       bus,
	})
	require.NoError(t, other.LoadConversation(context.Background(), convID))

	inters, total := other.Interactions()
	assert.Equal(t, 1, total)
	require.Len(t, inters, 1)

	require.NoError(t, waitResult(t, other.EnqueueMessage("still there?", queue.RoleUser, "", queue.ContextNone)).Err)
	calls := env.prov.calls()
	last := calls[len(calls)-1]
	require.Len(t, last, 3)
	assert.Equal(t, "remember me", last[0].Content)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "New conversation", deriveTitle(""))
	assert.Equal(t, "short", deriveTitle("short"))

	long := make([]rune, 0, 80)
	for i := 0; i < 80; i++ {
		long = append(long, 'x')
	}
	title := deriveTitle(string(long))
	assert.Len(t, []rune(title), titleMax)
	assert.Equal(t, "...", title[len(title)-3:])
}
