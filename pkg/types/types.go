// Package types defines the shared data model for the Stina server.
package types

// MessageType identifies who (or what) produced a message.
type MessageType string

const (
	// MessageUser is a message typed by the user.
	MessageUser MessageType = "user"
	// MessageInstruction is a non-user-originated message injected into the
	// queue, e.g. from automation or the settings flow.
	MessageInstruction MessageType = "instruction"
	// MessageStina is an assistant response.
	MessageStina MessageType = "stina"
	// MessageInformation is a display-only notice shown inside a turn.
	MessageInformation MessageType = "information"
)

// MessageMetadata carries per-message flags.
type MessageMetadata struct {
	// SystemPrompt marks injected system-prompt text. Marked messages are
	// filtered out of any history rebuilt for the provider.
	SystemPrompt bool `json:"systemPrompt,omitempty"`
}

// Message is a single typed message inside an interaction.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Text      string          `json:"text"`
	Metadata  MessageMetadata `json:"metadata,omitempty"`
	CreatedAt int64           `json:"createdAt"` // unix millis
}

// InteractionTime tracks interaction lifecycle timestamps.
type InteractionTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// Interaction is one request/response turn. Errored interactions stay
// visible in history but are excluded from future provider context.
type Interaction struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Messages       []Message       `json:"messages"`
	Error          bool            `json:"error,omitempty"`
	Time           InteractionTime `json:"time"`
}

// ConversationMetadata holds mutable conversation-scoped state.
type ConversationMetadata struct {
	// LastSystemPrompt is the system prompt text most recently sent to the
	// provider for this conversation. The orchestrator re-sends the prompt
	// whenever the configured text diverges from this value.
	LastSystemPrompt string `json:"lastSystemPrompt,omitempty"`
}

// ConversationTime tracks conversation timestamps.
type ConversationTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Conversation is owned by one orchestrator at a time and mutated only
// through it.
type Conversation struct {
	ID       string               `json:"id"`
	UserID   string               `json:"userId"`
	Title    string               `json:"title"`
	Metadata ConversationMetadata `json:"metadata,omitempty"`
	Archived bool                 `json:"archived,omitempty"`
	Time     ConversationTime     `json:"time"`
}

// ModelRef names a provider/model pair plus optional per-call settings.
type ModelRef struct {
	ProviderID       string         `json:"providerId"`
	ModelID          string         `json:"modelId"`
	SettingsOverride map[string]any `json:"settingsOverride,omitempty"`
}
