package pipeline

import (
	"log/slog"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
)

// Agent kinds accepted in pipeline definitions.
const (
	KindHardCode = "hard_code"
	KindAI       = "ai"
	KindChat     = "chat"
	KindCritic   = "critic"
)

// DefaultMaxCriticIterations caps critic revision loops that never emit
// an approval.
const DefaultMaxCriticIterations = 10

// SettingsConfig is the generation settings block of an agent definition.
type SettingsConfig struct {
	Model            string   `json:"model"`
	Temperature      *float32 `json:"temperature,omitempty"`
	N                *int     `json:"n,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
}

func (s SettingsConfig) generation() llm.GenerationSettings {
	return llm.GenerationSettings{
		Temperature:      s.Temperature,
		N:                s.N,
		MaxTokens:        s.MaxTokens,
		FrequencyPenalty: s.FrequencyPenalty,
		PresencePenalty:  s.PresencePenalty,
	}
}

// AgentConfig is one agent entry of a pipeline definition. Which fields
// apply depends on Type.
type AgentConfig struct {
	Name string `json:"-"`
	Type string `json:"type"`

	InputDocumentNames     []string `json:"input_document_names,omitempty"`
	RequiredDocuments      []string `json:"required_documents,omitempty"`
	OutputDocumentName     string   `json:"output_document_name,omitempty"`
	OutputDocumentFilename string   `json:"output_document_filename,omitempty"`
	StartLogMessage        string   `json:"start_log_message,omitempty"`
	FinishLogMessage       string   `json:"finish_log_message,omitempty"`

	// hard_code
	Transform string `json:"transform,omitempty"`

	// ai, chat, critic
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Settings     SettingsConfig `json:"settings,omitempty"`

	// chat
	ChatName            string   `json:"chat_name,omitempty"`
	LastMessageName     string   `json:"last_message_name,omitempty"`
	ChatFilename        string   `json:"chat_filename,omitempty"`
	LastMessageFilename string   `json:"last_message_filename,omitempty"`
	StopWords           []string `json:"stop_words,omitempty"`

	// critic
	CriticizedAgentName string `json:"criticized_agent_name,omitempty"`
	MaxIterations       int    `json:"max_iterations,omitempty"`
}

// base builds the shared agent fields. The output document name defaults
// to the agent's own name.
func (c AgentConfig) base(store *docstore.Store) base {
	outputName := c.OutputDocumentName
	if outputName == "" {
		outputName = c.Name
	}
	return base{
		name:           c.Name,
		store:          store,
		inputNames:     c.InputDocumentNames,
		requiredNames:  c.RequiredDocuments,
		outputName:     outputName,
		outputFilename: c.OutputDocumentFilename,
		startLog:       c.StartLogMessage,
		finishLog:      c.FinishLogMessage,
		log:            slog.Default(),
	}
}
