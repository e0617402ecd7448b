package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/claude"
)

// ClaudeConfig holds configuration for the Anthropic Claude provider.
type ClaudeConfig struct {
	// ID overrides the provider identifier. Defaults to "claude".
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewClaudeProvider creates the Claude provider. The API key falls back to
// ANTHROPIC_API_KEY.
func NewClaudeProvider(ctx context.Context, config *ClaudeConfig) (*EinoProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = "claude-sonnet-4-20250514"
	}
	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	cfg := &claude.Config{
		APIKey:    apiKey,
		Model:     modelID,
		MaxTokens: maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = &config.BaseURL
	}

	chatModel, err := claude.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create Claude model: %w", err)
	}

	id := config.ID
	if id == "" {
		id = "claude"
	}
	return NewEinoProvider(id, "Anthropic Claude", chatModel), nil
}
