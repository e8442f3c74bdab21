package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to an OpenAI-compatible chat-completions endpoint.
// Anthropic models are reached through the same API shape when the base
// URL points at a translating gateway.
type OpenAIClient struct {
	mu      sync.RWMutex
	client  *openai.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewOpenAIClient builds a client. baseURL may be empty for the public
// OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration, log *slog.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: api key not set")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		timeout: timeout,
		log:     log,
	}, nil
}

// UpdateCredentials swaps the API key and base URL, used on config
// hot-reload. In-flight requests keep the old client.
func (c *OpenAIClient) UpdateCredentials(apiKey, baseURL string) {
	if apiKey == "" {
		return
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	c.mu.Lock()
	c.client = openai.NewClientWithConfig(cfg)
	c.mu.Unlock()
	c.log.Info("llm credentials updated")
}

func (c *OpenAIClient) currentClient() *openai.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// providerModel strips the provider prefix from a model name.
func providerModel(model string) string {
	if _, rest, ok := strings.Cut(model, "/"); ok {
		return rest
	}
	return model
}

// reasoningModel reports whether the model rejects the system role.
// Those models get system messages resubmitted as user messages.
func reasoningModel(model string) bool {
	return strings.HasPrefix(providerModel(model), "o1")
}

func toOpenAIMessages(model string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == RoleSystem && reasoningModel(model) {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func (c *OpenAIClient) Complete(ctx context.Context, model string, messages []Message, settings GenerationSettings) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    providerModel(model),
		Messages: toOpenAIMessages(model, messages),
	}
	if settings.Temperature != nil {
		req.Temperature = *settings.Temperature
	}
	if settings.N != nil {
		req.N = *settings.N
	}
	if settings.MaxTokens != nil {
		req.MaxCompletionTokens = *settings.MaxTokens
	}
	if settings.FrequencyPenalty != nil {
		req.FrequencyPenalty = *settings.FrequencyPenalty
	}
	if settings.PresencePenalty != nil {
		req.PresencePenalty = *settings.PresencePenalty
	}

	c.log.Debug("chat completion request", "model", req.Model, "messages", len(req.Messages))
	resp, err := c.currentClient().CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	c.log.Debug("chat completion response", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
