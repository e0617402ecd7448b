// Package provider provides the LLM provider abstraction built on the Eino
// framework.
package provider

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/eino/schema"
)

// Message roles in provider history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the history handed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EventType identifies a streaming callback event.
type EventType string

const (
	EventThinkingUpdate EventType = "thinking-update"
	EventContentUpdate  EventType = "content-update"
	EventToolStart      EventType = "tool-start"
	EventToolComplete   EventType = "tool-complete"
	EventStreamComplete EventType = "stream-complete"
	EventStreamError    EventType = "stream-error"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// StreamEvent is one callback delivered during a streaming completion.
// Text carries the delta for thinking/content updates; ToolCall and
// ToolResult are set for the tool events.
type StreamEvent struct {
	Type       EventType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Err        error
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// Options tunes a single SendMessage call.
type Options struct {
	Model     string
	MaxTokens int
	Settings  map[string]any
	Tools     []ToolDefinition

	// ExecuteTool runs one tool call on behalf of the model. Required when
	// Tools is non-empty.
	ExecuteTool func(ctx context.Context, call ToolCall) ToolResult
}

// Provider streams completions for a message history.
//
// SendMessage blocks until the stream finishes, delivering deltas and tool
// activity through onEvent. The terminal event is always stream-complete or
// stream-error; the returned error mirrors the stream-error event.
type Provider interface {
	ID() string
	Name() string
	SendMessage(ctx context.Context, messages []Message, systemPrompt string, onEvent func(StreamEvent), opts Options) error
}

// convertTools converts tool definitions to Eino format.
func convertTools(tools []ToolDefinition) []*schema.ToolInfo {
	result := make([]*schema.ToolInfo, len(tools))
	for i, t := range tools {
		var params map[string]*schema.ParameterInfo
		if len(t.Parameters) > 0 {
			params = parseJSONSchemaToParams(t.Parameters)
		}
		result[i] = &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		}
	}
	return result
}

// parseJSONSchemaToParams converts a JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// convertMessages converts history plus system prompt to Eino format.
func convertMessages(messages []Message, systemPrompt string) []*schema.Message {
	result := make([]*schema.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, schema.SystemMessage(systemPrompt))
	}
	for _, msg := range messages {
		role := schema.Assistant
		if msg.Role == RoleUser {
			role = schema.User
		}
		result = append(result, &schema.Message{Role: role, Content: msg.Content})
	}
	return result
}
