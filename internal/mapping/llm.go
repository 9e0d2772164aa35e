package mapping

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// LLMConfig selects an OpenAI-compatible chat model.
type LLMConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// ChatCompleter adapts an eino chat model to Completer.
type ChatCompleter struct {
	model einomodel.BaseChatModel
}

// NewChatCompleter wraps an existing chat model.
func NewChatCompleter(m einomodel.BaseChatModel) *ChatCompleter {
	return &ChatCompleter{model: m}
}

// NewOpenAICompleter creates a completer backed by an OpenAI-compatible endpoint.
func NewOpenAICompleter(ctx context.Context, cfg LLMConfig) (*ChatCompleter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("semantic mapping: api key is required")
	}
	temperature := float32(0)
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Timeout:     cfg.Timeout,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return &ChatCompleter{model: cm}, nil
}

const systemPrompt = "You map data fields between schemas and answer with JSON only."

func (c *ChatCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := c.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if msg == nil {
		return "", fmt.Errorf("generate: empty reply")
	}
	return msg.Content, nil
}
