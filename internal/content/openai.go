package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/satindergrewal/airwaves/internal/upstream"
)

// OpenAIConfig configures an OpenAI-compatible chat backend (OpenAI, Groq,
// DeepSeek, local servers).
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	HTTPClient  *http.Client
}

// OpenAI completes prompts through the chat completions API.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates a chat backend.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), cfg: cfg}, nil
}

func (o *OpenAI) Name() string { return "openai:" + o.cfg.Model }

// Complete sends one system+user exchange and returns the reply text.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: float32(o.cfg.Temperature),
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", upstream.FromOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", upstream.ErrMalformed)
	}
	return resp.Choices[0].Message.Content, nil
}
