package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pro-assist/stina-server/internal/confirm"
	"github.com/pro-assist/stina-server/internal/event"
	"github.com/pro-assist/stina-server/internal/provider"
	"github.com/pro-assist/stina-server/internal/tool"
)

// executeToolCall runs one model-requested tool call, gating it behind
// human confirmation when the tool demands it. The wait races the answer
// against the abort gate and the context.
func (o *Orchestrator) executeToolCall(ctx context.Context, convID, interactionID string, gate *abortGate, call provider.ToolCall) provider.ToolResult {
	t, err := o.tools.Get(call.Name)
	if err != nil {
		return toolError(call, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	input := call.Input
	if conf := t.Confirmation(); conf != nil {
		resp := o.awaitConfirmation(ctx, convID, gate, conf, call)
		if !resp.Approved {
			reason := resp.DenialReason
			if reason == "" {
				reason = "denied by user"
			}
			return toolError(call, "Tool execution denied: "+reason)
		}
		input = stripHiddenParams(input, conf.HiddenParams)
	}

	res, err := t.Execute(ctx, input, &tool.Context{
		ConversationID: convID,
		UserID:         o.userID,
		InteractionID:  interactionID,
	})
	if err != nil {
		return toolError(call, err.Error())
	}
	return provider.ToolResult{CallID: call.ID, Name: call.Name, Content: res.Output}
}

// awaitConfirmation registers the pending confirmation, announces it, and
// blocks until a client answers or the stream is abandoned.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, convID string, gate *abortGate, conf *tool.Confirmation, call provider.ToolCall) confirm.Response {
	respCh := make(chan confirm.Response, 1)
	var once sync.Once

	pending := &confirm.Pending{
		ToolCallName:   call.Name,
		ConversationID: convID,
		UserID:         o.userID,
		Title:          conf.Title,
		ToolCall: map[string]any{
			"id":     call.ID,
			"name":   call.Name,
			"input":  call.Input,
			"prompt": conf.Prompt,
		},
		CreatedAt: time.Now(),
		Resolve: func(r confirm.Response) {
			once.Do(func() { respCh <- r })
		},
	}
	o.confirmations.Register(pending)

	o.bus.Publish(convID, event.Event{Type: event.ToolConfirmationPending, Data: pending})
	o.log.Info().Str("tool", call.Name).Msg("tool confirmation pending")

	select {
	case resp := <-respCh:
		return resp
	case <-gate.done():
		return confirm.Response{Approved: false, DenialReason: abortDenialReason}
	case <-ctx.Done():
		return confirm.Response{Approved: false, DenialReason: abortDenialReason}
	}
}

// stripHiddenParams removes confirmation-only parameters before execution.
func stripHiddenParams(input map[string]any, hidden []string) map[string]any {
	if len(hidden) == 0 || input == nil {
		return input
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	for _, h := range hidden {
		delete(out, h)
	}
	return out
}

func toolError(call provider.ToolCall, msg string) provider.ToolResult {
	return provider.ToolResult{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
}
