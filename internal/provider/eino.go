package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// maxToolSteps bounds the tool round-trips inside one SendMessage call.
const maxToolSteps = 8

// EinoProvider adapts an Eino ToolCallingChatModel to the Provider
// interface. Both the Claude and OpenAI providers are instances of it.
type EinoProvider struct {
	id        string
	name      string
	chatModel model.ToolCallingChatModel
}

// NewEinoProvider wraps a chat model.
func NewEinoProvider(id, name string, chatModel model.ToolCallingChatModel) *EinoProvider {
	return &EinoProvider{id: id, name: name, chatModel: chatModel}
}

// ID returns the provider identifier.
func (p *EinoProvider) ID() string { return p.id }

// Name returns the human-readable provider name.
func (p *EinoProvider) Name() string { return p.name }

// SendMessage streams a completion, running requested tool calls between
// model rounds until the model answers without tools.
func (p *EinoProvider) SendMessage(ctx context.Context, messages []Message, systemPrompt string, onEvent func(StreamEvent), opts Options) error {
	chatModel := p.chatModel
	if len(opts.Tools) > 0 {
		var err error
		chatModel, err = chatModel.WithTools(convertTools(opts.Tools))
		if err != nil {
			return p.fail(onEvent, fmt.Errorf("bind tools: %w", err))
		}
	}

	history := convertMessages(messages, systemPrompt)

	for step := 0; step < maxToolSteps; step++ {
		stream, err := chatModel.Stream(ctx, history, p.streamOptions(opts)...)
		if err != nil {
			return p.fail(onEvent, fmt.Errorf("create stream: %w", err))
		}

		round, err := p.relayStream(ctx, stream, onEvent)
		if err != nil {
			return p.fail(onEvent, err)
		}

		if len(round.toolCalls) == 0 {
			onEvent(StreamEvent{Type: EventStreamComplete})
			return nil
		}

		history = append(history, round.assistantMessage())
		for _, tc := range round.toolCalls {
			result := p.runToolCall(ctx, tc, opts, onEvent)
			history = append(history, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: tc.ID,
				Content:    result.Content,
			})
		}
	}

	return p.fail(onEvent, fmt.Errorf("tool loop exceeded %d steps", maxToolSteps))
}

func (p *EinoProvider) fail(onEvent func(StreamEvent), err error) error {
	onEvent(StreamEvent{Type: EventStreamError, Err: err})
	return err
}

func (p *EinoProvider) streamOptions(opts Options) []model.Option {
	var out []model.Option
	if opts.MaxTokens > 0 {
		out = append(out, model.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Model != "" {
		out = append(out, model.WithModel(opts.Model))
	}
	if t, ok := opts.Settings["temperature"].(float64); ok {
		out = append(out, model.WithTemperature(float32(t)))
	}
	return out
}

// streamRound is the accumulated result of one model round.
type streamRound struct {
	content   string
	reasoning string
	toolCalls []ToolCall
	rawArgs   map[string]string
}

func (r *streamRound) assistantMessage() *schema.Message {
	msg := &schema.Message{Role: schema.Assistant, Content: r.content}
	for _, tc := range r.toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID: tc.ID,
			Function: schema.FunctionCall{
				Name:      tc.Name,
				Arguments: r.rawArgs[tc.ID],
			},
		})
	}
	return msg
}

// relayStream drains one model stream, forwarding thinking and content
// deltas. Chunk content arrives cumulatively, so deltas are the suffix past
// what was already seen.
func (p *EinoProvider) relayStream(ctx context.Context, stream *schema.StreamReader[*schema.Message], onEvent func(StreamEvent)) (*streamRound, error) {
	defer stream.Close()

	round := &streamRound{rawArgs: make(map[string]string)}
	callIndex := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if len(msg.Content) > len(round.content) {
			delta := msg.Content[len(round.content):]
			round.content = msg.Content
			onEvent(StreamEvent{Type: EventContentUpdate, Text: delta})
		}

		if len(msg.ReasoningContent) > len(round.reasoning) {
			delta := msg.ReasoningContent[len(round.reasoning):]
			round.reasoning = msg.ReasoningContent
			onEvent(StreamEvent{Type: EventThinkingUpdate, Text: delta})
		}

		for _, tc := range msg.ToolCalls {
			idx, exists := callIndex[tc.ID]
			if !exists {
				idx = len(round.toolCalls)
				callIndex[tc.ID] = idx
				round.toolCalls = append(round.toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				round.rawArgs[tc.ID] = tc.Function.Arguments
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err == nil {
					round.toolCalls[idx].Input = input
				}
			}
		}
	}

	return round, nil
}

func (p *EinoProvider) runToolCall(ctx context.Context, tc ToolCall, opts Options, onEvent func(StreamEvent)) ToolResult {
	call := tc
	onEvent(StreamEvent{Type: EventToolStart, ToolCall: &call})

	var result ToolResult
	if opts.ExecuteTool == nil {
		result = ToolResult{
			CallID:  tc.ID,
			Name:    tc.Name,
			Content: "no tool executor configured",
			IsError: true,
		}
	} else {
		result = opts.ExecuteTool(ctx, tc)
	}

	onEvent(StreamEvent{Type: EventToolComplete, ToolResult: &result})
	return result
}
