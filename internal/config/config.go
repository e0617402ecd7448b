// Package config loads server configuration from JSONC files and the
// environment.
package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/pro-assist/stina-server/internal/retry"
	"github.com/pro-assist/stina-server/pkg/types"
)

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// ModelConfig names the default provider/model pair.
type ModelConfig struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// RetryConfig tunes the notification retry queue. All durations are in
// milliseconds; zero values fall back to the built-in defaults.
type RetryConfig struct {
	InitialDelayMS int `json:"initialDelayMs,omitempty"`
	MaxDelayMS     int `json:"maxDelayMs,omitempty"`
	MaxAttempts    int `json:"maxAttempts,omitempty"`
	MaxAgeMS       int `json:"maxAgeMs,omitempty"`
}

// ToRetry converts to the retry queue's config, filling defaults.
func (r RetryConfig) ToRetry() retry.Config {
	cfg := retry.DefaultConfig()
	if r.InitialDelayMS > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelayMS) * time.Millisecond
	}
	if r.MaxDelayMS > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelayMS) * time.Millisecond
	}
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.MaxAgeMS > 0 {
		cfg.MaxAge = time.Duration(r.MaxAgeMS) * time.Millisecond
	}
	return cfg
}

// Config is the full server configuration.
type Config struct {
	Port         int                       `json:"port,omitempty"`
	DataDir      string                    `json:"dataDir,omitempty"`
	LogLevel     string                    `json:"logLevel,omitempty"`
	PrettyLogs   bool                      `json:"prettyLogs,omitempty"`
	SystemPrompt string                    `json:"systemPrompt,omitempty"`
	Model        *ModelConfig              `json:"model,omitempty"`
	Retry        RetryConfig               `json:"retry,omitempty"`
	Providers    map[string]ProviderConfig `json:"providers,omitempty"`
}

// DefaultModel returns the configured default model, or nil when none is
// configured and the first registered provider should be used.
func (c *Config) DefaultModel(ctx context.Context) (*types.ModelRef, error) {
	if c.Model == nil || c.Model.Provider == "" {
		return nil, nil
	}
	return &types.ModelRef{
		ProviderID:       c.Model.Provider,
		ModelID:          c.Model.Model,
		SettingsOverride: c.Model.Settings,
	}, nil
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.stina/)
// 2. Project config (<directory>/)
// 3. STINA_CONFIG file
// 4. STINA_CONFIG_CONTENT inline JSON
// 5. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	home := os.Getenv("HOME")
	if home != "" {
		globalDir := filepath.Join(home, ".stina")
		loadOnce(filepath.Join(globalDir, "stina.json"), globalDir)
		loadOnce(filepath.Join(globalDir, "stina.jsonc"), globalDir)
	}

	if directory != "" {
		loadOnce(filepath.Join(directory, "stina.json"), directory)
		loadOnce(filepath.Join(directory, "stina.jsonc"), directory)
	}

	if configPath := os.Getenv("STINA_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if configContent := os.Getenv("STINA_CONFIG_CONTENT"); configContent != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(configContent)), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			home := os.Getenv("HOME")
			filePath = filepath.Join(home, filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target; later sources win.
func mergeConfig(target, source *Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.PrettyLogs {
		target.PrettyLogs = true
	}
	if source.SystemPrompt != "" {
		target.SystemPrompt = source.SystemPrompt
	}
	if source.Model != nil {
		target.Model = source.Model
	}
	if source.Retry.InitialDelayMS != 0 {
		target.Retry.InitialDelayMS = source.Retry.InitialDelayMS
	}
	if source.Retry.MaxDelayMS != 0 {
		target.Retry.MaxDelayMS = source.Retry.MaxDelayMS
	}
	if source.Retry.MaxAttempts != 0 {
		target.Retry.MaxAttempts = source.Retry.MaxAttempts
	}
	if source.Retry.MaxAgeMS != 0 {
		target.Retry.MaxAgeMS = source.Retry.MaxAgeMS
	}
	if source.Providers != nil {
		if target.Providers == nil {
			target.Providers = make(map[string]ProviderConfig)
		}
		for k, v := range source.Providers {
			target.Providers[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *Config) {
	providerEnvMap := map[string]string{
		"claude": "ANTHROPIC_API_KEY",
		"openai": "OPENAI_API_KEY",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Providers == nil {
				config.Providers = make(map[string]ProviderConfig)
			}
			p := config.Providers[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Providers[provider] = p
			}
		}
	}

	if model := os.Getenv("STINA_MODEL"); model != "" {
		parts := strings.SplitN(model, "/", 2)
		mc := &ModelConfig{Provider: parts[0]}
		if len(parts) == 2 {
			mc.Model = parts[1]
		}
		config.Model = mc
	}

	if prompt := os.Getenv("STINA_SYSTEM_PROMPT"); prompt != "" {
		config.SystemPrompt = prompt
	}

	if dir := os.Getenv("STINA_DATA_DIR"); dir != "" {
		config.DataDir = dir
	}
}
