// Package llm abstracts chat-completion backends behind a Completer.
package llm

import (
	"context"
	"errors"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Model names accepted in pipeline definitions. The provider prefix picks
// the backend; everything after the slash is the provider's model id.
const (
	ModelGPT4o        = "openai/gpt-4o"
	ModelGPT4oMini    = "openai/gpt-4o-mini"
	ModelO1Mini       = "openai/o1-mini"
	ModelClaudeSonnet = "anthropic/claude-3-sonnet"
	ModelClaudeHaiku  = "anthropic/claude-3-haiku"
)

// GenerationSettings tunes one completion call. Nil fields use the
// provider's defaults.
type GenerationSettings struct {
	Temperature      *float32 `json:"temperature,omitempty"`
	N                *int     `json:"n,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
}

// Completer produces one assistant reply for a chat transcript.
type Completer interface {
	Complete(ctx context.Context, model string, messages []Message, settings GenerationSettings) (string, error)
}

// ErrNotConfigured is returned when no completion backend is set up.
var ErrNotConfigured = errors.New("llm: no api key configured")

// Unconfigured is a Completer that fails every call. It stands in when
// no API key is present, so the server still serves everything that
// does not need completions.
type Unconfigured struct{}

func (Unconfigured) Complete(context.Context, string, []Message, GenerationSettings) (string, error) {
	return "", ErrNotConfigured
}
