// Package tool provides the tool framework for assistant tool execution.
package tool

import (
	"context"
	"encoding/json"
)

// Confirmation declares that a tool needs human approval before running.
type Confirmation struct {
	// Title is shown to the user when asking for approval.
	Title string
	// Prompt is the question presented alongside the call parameters.
	Prompt string
	// HiddenParams lists confirmation-only parameter names. They are shown
	// to the user but stripped from the input before execution.
	HiddenParams []string
}

// Context provides execution context to tools.
type Context struct {
	ConversationID string
	UserID         string
	InteractionID  string
}

// Result represents the output of a tool execution.
type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Tool defines the interface for all tools.
type Tool interface {
	// ID returns the tool identifier, used as the tool-call name.
	ID() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Confirmation returns the approval requirement, or nil when the tool
	// runs without asking.
	Confirmation() *Confirmation

	// Execute executes the tool with the given input.
	Execute(ctx context.Context, input map[string]any, toolCtx *Context) (*Result, error)
}

// ExecuteFunc is the execution body of a BaseTool.
type ExecuteFunc func(ctx context.Context, input map[string]any, toolCtx *Context) (*Result, error)

// BaseTool provides a base implementation for tools.
type BaseTool struct {
	id           string
	description  string
	parameters   json.RawMessage
	confirmation *Confirmation
	execute      ExecuteFunc
}

// NewBaseTool creates a tool that runs without confirmation.
func NewBaseTool(id, description string, params json.RawMessage, execute ExecuteFunc) *BaseTool {
	return &BaseTool{
		id:          id,
		description: description,
		parameters:  params,
		execute:     execute,
	}
}

// NewConfirmedTool creates a tool gated behind human approval.
func NewConfirmedTool(id, description string, params json.RawMessage, confirmation *Confirmation, execute ExecuteFunc) *BaseTool {
	t := NewBaseTool(id, description, params, execute)
	t.confirmation = confirmation
	return t
}

func (t *BaseTool) ID() string                  { return t.id }
func (t *BaseTool) Description() string         { return t.description }
func (t *BaseTool) Parameters() json.RawMessage { return t.parameters }
func (t *BaseTool) Confirmation() *Confirmation { return t.confirmation }

func (t *BaseTool) Execute(ctx context.Context, input map[string]any, toolCtx *Context) (*Result, error) {
	return t.execute(ctx, input, toolCtx)
}
