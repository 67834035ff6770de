package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"chatrelay/pkg/types"
)

// Responder errors
var (
	ErrEmptyResponse = errors.New("assistant returned no choices")
)

// Reply is a generated assistant turn
type Reply struct {
	Content    string
	Model      string
	TokenCount int
}

// Responder produces the assistant's answer to a conversation. history is
// in chronological order and ends with the user message being answered.
type Responder interface {
	Reply(ctx context.Context, conv *types.Conversation, history []*types.Message) (*Reply, error)
}

// Config selects and tunes the completion backend
type Config struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	SystemPrompt string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	HistoryLimit int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
	MaxTokens    int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Workers      int           `yaml:"workers" env:"WORKERS"`
	QueueSize    int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// DefaultConfig returns a disabled assistant with sane limits
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		SystemPrompt: "You are a helpful assistant.",
		HistoryLimit: 20,
		MaxTokens:    1024,
		Timeout:      60 * time.Second,
		Workers:      4,
		QueueSize:    1000,
	}
}

// Validate checks the assistant settings when enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.APIKey == "" && c.BaseURL == "" {
		return fmt.Errorf("assistant requires api_key or base_url")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("workers and queue_size must be positive")
	}
	return nil
}

// OpenAIResponder calls an OpenAI-compatible chat completion endpoint
type OpenAIResponder struct {
	client    *openai.Client
	prompt    string
	maxTokens int
	log       zerolog.Logger
}

// NewOpenAIResponder creates a responder for cfg
func NewOpenAIResponder(cfg Config, log zerolog.Logger) *OpenAIResponder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIResponder{
		client:    openai.NewClientWithConfig(clientCfg),
		prompt:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
		log:       log.With().Str("component", "assistant").Logger(),
	}
}

// Reply requests a completion for the conversation's model
func (r *OpenAIResponder) Reply(ctx context.Context, conv *types.Conversation, history []*types.Message) (*Reply, error) {
	req := openai.ChatCompletionRequest{
		Model:     conv.Model,
		Messages:  BuildMessages(r.prompt, history),
		MaxTokens: r.maxTokens,
	}

	start := time.Now()
	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	model := resp.Model
	if model == "" {
		model = conv.Model
	}
	r.log.Debug().
		Str("conversation_id", conv.ID).
		Str("model", model).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Assistant reply generated")

	return &Reply{
		Content:    resp.Choices[0].Message.Content,
		Model:      model,
		TokenCount: resp.Usage.CompletionTokens,
	}, nil
}

// BuildMessages converts stored history to completion messages, prefixed
// by the system prompt when one is set.
func BuildMessages(systemPrompt string, history []*types.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == types.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return messages
}
