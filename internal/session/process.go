package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/queue"
	"github.com/pro-assist/stina-server/pkg/types"
)

const (
	// greetingInstruction stands in for an empty conversation-start job.
	greetingInstruction = "Greet the user and briefly offer your help."
	// settingsUpdateInstruction stands in for an empty settings-update job.
	settingsUpdateInstruction = "Acknowledge the updated settings and continue the conversation."
	// settingsUpdatedNotice is shown to the user inside a settings-update
	// interaction.
	settingsUpdatedNotice = "Assistant settings were updated."

	// abortDenialReason is the denial reason applied to confirmations swept
	// away by an abort.
	abortDenialReason = "Stream aborted"

	titleMax = 60
)

// processQueuedMessage runs one job end to end: conversation setup,
// interaction assembly, and the provider stream.
func (o *Orchestrator) processQueuedMessage(msg *queue.Message) error {
	ctx := o.ctx

	conv, err := o.ensureConversation(ctx, msg)
	if err != nil {
		return err
	}

	prompt := o.systemPrompt()
	sendPrompt := msg.Context == queue.ContextConversationStart ||
		msg.Context == queue.ContextSettingsUpdate ||
		prompt != conv.Metadata.LastSystemPrompt

	inter := o.buildInteraction(conv, msg, prompt, sendPrompt)

	if sendPrompt && prompt != conv.Metadata.LastSystemPrompt {
		conv.Metadata.LastSystemPrompt = prompt
		if err := o.repo.UpdateConversationMetadata(ctx, conv.ID, conv.Metadata); err != nil {
			o.log.Warn().Err(err).Msg("persist conversation metadata")
		}
		o.mu.Lock()
		if o.conversation != nil && o.conversation.ID == conv.ID {
			o.conversation.Metadata = conv.Metadata
		}
		o.mu.Unlock()
	}

	o.bus.Publish(conv.ID, event.Event{Type: event.InteractionStarted, Data: inter})

	prov, ref, err := o.resolveProvider(ctx)
	if err != nil {
		return o.failBeforeStream(ctx, conv.ID, inter, err)
	}

	history := o.buildHistory(inter)
	opts := o.providerOptions(ref)

	return o.dispatch(ctx, conv.ID, inter, prov, history, prompt, opts)
}

// ensureConversation creates the conversation on the first job.
func (o *Orchestrator) ensureConversation(ctx context.Context, msg *queue.Message) (*types.Conversation, error) {
	o.mu.Lock()
	if o.conversation != nil {
		conv := *o.conversation
		o.mu.Unlock()
		return &conv, nil
	}
	o.mu.Unlock()

	conv := &types.Conversation{
		ID:     newULID(),
		UserID: o.userID,
		Title:  deriveTitle(msg.Text),
	}
	if err := o.repo.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	o.mu.Lock()
	o.conversation = conv
	o.mu.Unlock()

	o.bus.Publish(conv.ID, event.Event{Type: event.ConversationCreated, Data: conv})

	// The enqueue that triggered this had no conversation to scope its
	// queue-update to; deliver it now.
	o.mu.Lock()
	o.publishQueueUpdateLocked()
	o.mu.Unlock()

	o.log.Info().Str("conversation", conv.ID).Msg("conversation created")
	return conv, nil
}

// buildInteraction assembles the interaction's initial messages: the
// system-prompt marker when the prompt is (re)sent, the settings notice,
// then the job's own message.
func (o *Orchestrator) buildInteraction(conv *types.Conversation, msg *queue.Message, prompt string, sendPrompt bool) *types.Interaction {
	now := time.Now().UnixMilli()
	inter := &types.Interaction{
		ID:             newULID(),
		ConversationID: conv.ID,
		Time:           types.InteractionTime{Created: now},
	}

	if sendPrompt && prompt != "" {
		inter.Messages = append(inter.Messages, types.Message{
			ID:        newULID(),
			Type:      types.MessageInstruction,
			Text:      prompt,
			Metadata:  types.MessageMetadata{SystemPrompt: true},
			CreatedAt: now,
		})
	}

	if msg.Context == queue.ContextSettingsUpdate {
		inter.Messages = append(inter.Messages, types.Message{
			ID:        newULID(),
			Type:      types.MessageInformation,
			Text:      settingsUpdatedNotice,
			CreatedAt: now,
		})
	}

	text := msg.Text
	if text == "" {
		switch msg.Context {
		case queue.ContextConversationStart:
			text = greetingInstruction
		case queue.ContextSettingsUpdate:
			text = settingsUpdateInstruction
		}
	}

	msgType := types.MessageUser
	if msg.Role == queue.RoleInstruction {
		msgType = types.MessageInstruction
	}
	inter.Messages = append(inter.Messages, types.Message{
		ID:        msg.ID,
		Type:      msgType,
		Text:      text,
		CreatedAt: now,
	})

	return inter
}

// resolveProvider picks the configured default model's provider, falling
// back to the first registered one.
func (o *Orchestrator) resolveProvider(ctx context.Context) (provider.Provider, *types.ModelRef, error) {
	var ref *types.ModelRef
	if o.modelCfg != nil {
		var err error
		ref, err = o.modelCfg.DefaultModel(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	if ref != nil && ref.ProviderID != "" {
		prov, err := o.providers.Get(ref.ProviderID)
		if err != nil {
			return nil, nil, err
		}
		return prov, ref, nil
	}

	prov := o.providers.First()
	if prov == nil {
		return nil, nil, ErrNoProvider
	}
	return prov, &types.ModelRef{ProviderID: prov.ID()}, nil
}

// buildHistory rebuilds provider history from the newest-first cache:
// oldest first, errored interactions and system-prompt markers excluded,
// then the current interaction's messages.
func (o *Orchestrator) buildHistory(current *types.Interaction) []provider.Message {
	o.mu.Lock()
	cached := make([]*types.Interaction, len(o.interactions))
	copy(cached, o.interactions)
	o.mu.Unlock()

	var history []provider.Message
	for i := len(cached) - 1; i >= 0; i-- {
		inter := cached[i]
		if inter.Error {
			continue
		}
		history = appendInteractionMessages(history, inter)
	}
	return appendInteractionMessages(history, current)
}

func appendInteractionMessages(history []provider.Message, inter *types.Interaction) []provider.Message {
	for _, m := range inter.Messages {
		if m.Metadata.SystemPrompt {
			continue
		}
		role := provider.RoleUser
		if m.Type == types.MessageStina {
			role = provider.RoleAssistant
		}
		history = append(history, provider.Message{Role: role, Content: m.Text})
	}
	return history
}

func (o *Orchestrator) providerOptions(ref *types.ModelRef) provider.Options {
	opts := provider.Options{
		Model:    ref.ModelID,
		Settings: ref.SettingsOverride,
	}
	if o.tools != nil {
		opts.Tools = o.tools.Definitions()
	}
	return opts
}

// dispatch starts the stream and races the provider call against the abort
// gate. The gate abandons the stream; it never cancels the provider's
// context.
func (o *Orchestrator) dispatch(ctx context.Context, convID string, inter *types.Interaction, prov provider.Provider, history []provider.Message, prompt string, opts provider.Options) error {
	o.mu.Lock()
	o.current = inter
	o.streaming = true
	o.streamDone = false
	o.streamText = ""
	o.streamToken++
	tok := o.streamToken
	gate := newAbortGate()
	o.gate = gate
	// Published before the lock is released: an abort acquiring the lock
	// next always orders its streaming=false after this event.
	o.bus.Publish(convID, event.Event{Type: event.StateChange, Data: stateData(true)})
	o.mu.Unlock()

	opts.ExecuteTool = func(toolCtx context.Context, call provider.ToolCall) provider.ToolResult {
		return o.executeToolCall(toolCtx, convID, inter.ID, gate, call)
	}
	onEvent := func(ev provider.StreamEvent) {
		o.handleStreamEvent(tok, ev)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- prov.SendMessage(ctx, history, prompt, onEvent, opts)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return o.failStream(tok, err)
		}
		o.finalizeStream(tok)
		return nil
	case <-gate.done():
		return errAborted
	}
}

// failBeforeStream records a job that could not start streaming. The
// interaction is persisted with the error flag so it stays visible but out
// of future provider context.
func (o *Orchestrator) failBeforeStream(ctx context.Context, convID string, inter *types.Interaction, err error) error {
	inter.Error = true
	if saveErr := o.repo.SaveInteraction(ctx, inter); saveErr != nil {
		o.log.Error().Err(saveErr).Msg("persist errored interaction")
	}

	o.mu.Lock()
	o.interactions = append([]*types.Interaction{inter}, o.interactions...)
	o.totalInteractions++
	o.mu.Unlock()

	o.bus.Publish(convID, event.Event{
		Type: event.StreamError,
		Data: map[string]any{"interactionId": inter.ID, "error": err.Error()},
	})
	return err
}

// deriveTitle builds a conversation title from the first message text.
func deriveTitle(text string) string {
	if text == "" {
		return "New conversation"
	}
	runes := []rune(text)
	if len(runes) <= titleMax {
		return text
	}
	return string(runes[:titleMax-3]) + "..."
}
