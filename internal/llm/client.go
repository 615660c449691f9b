// Package llm drives the chat-completion stages: relevance scoring,
// first-page screening, note writing, and headline condensing.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/paperflow-io/paperflow/internal/cache"
	"github.com/paperflow-io/paperflow/internal/model"
)

// Completer is the single chat-completion call the stages build on.
// It exists so tests can substitute a canned model.
type Completer interface {
	Complete(ctx context.Context, user string) (string, error)
}

// Client talks to one OpenAI-compatible endpoint with one stage's prompt,
// model, and sampling settings.
type Client struct {
	api          *openai.Client
	model        string
	maxTokens    int
	temperature  float32
	systemPrompt string
}

// NewClient creates a stage client. The API key is shared across stages;
// everything else comes from the stage's own config block.
func NewClient(apiKey string, cfg model.LLMStageConfig) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:          openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Complete sends one user message under the stage's system prompt and
// returns the trimmed completion text.
func (c *Client) Complete(ctx context.Context, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// SystemPrompt exposes the stage prompt for cache keying.
func (c *Client) SystemPrompt() string {
	return c.systemPrompt
}

// cachedComplete runs Complete through the response cache when one is
// configured. stage and key scope the entry; prompt changes invalidate it.
func cachedComplete(ctx context.Context, c Completer, store cache.Cache, stage, prompt string, key model.Key, user string) (string, error) {
	if store == nil {
		return c.Complete(ctx, user)
	}
	cacheKey := cache.ResponseKey(stage, key, prompt+"\x00"+user)
	if data, ok := store.Get(cacheKey); ok {
		return string(data), nil
	}
	out, err := c.Complete(ctx, user)
	if err != nil {
		return "", err
	}
	store.Set(cacheKey, []byte(out), 0)
	return out, nil
}

// stripFences removes a surrounding markdown code fence, which chat models
// add around JSON despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
