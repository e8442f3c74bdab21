package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
)

// AIAgent sends its inputs to an LLM as one user message and saves the
// assistant's reply. It keeps a running transcript seeded with the system
// prompt; critics append to the same transcript to request revisions.
type AIAgent struct {
	base
	completer llm.Completer
	model     string
	settings  llm.GenerationSettings

	mu   sync.Mutex
	chat []llm.Message
}

func NewAIAgent(cfg AgentConfig, store *docstore.Store, completer llm.Completer) *AIAgent {
	return &AIAgent{
		base:      cfg.base(store),
		completer: completer,
		model:     cfg.Settings.Model,
		settings:  cfg.Settings.generation(),
		chat:      []llm.Message{{Role: llm.RoleSystem, Content: cfg.SystemPrompt}},
	}
}

func (a *AIAgent) OutputNames() []string { return []string{a.outputName} }

func (a *AIAgent) Run(ctx context.Context) error {
	if err := a.waitForGate(ctx); err != nil {
		return err
	}
	a.logStart(ctx)

	docs, err := a.inputDocuments()
	if err != nil {
		return err
	}
	if _, err := a.Send(ctx, llm.RoleUser, promptInput(docs)); err != nil {
		return err
	}

	a.SaveDocuments()
	a.logFinish(ctx)
	return nil
}

// Send appends a message to the transcript, requests a completion, appends
// the assistant reply, and returns it.
func (a *AIAgent) Send(ctx context.Context, role llm.Role, content string) (string, error) {
	a.mu.Lock()
	a.chat = append(a.chat, llm.Message{Role: role, Content: content})
	messages := make([]llm.Message, len(a.chat))
	copy(messages, a.chat)
	a.mu.Unlock()

	answer, err := a.completer.Complete(ctx, a.model, messages, a.settings)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.chat = append(a.chat, llm.Message{Role: llm.RoleAssistant, Content: answer})
	a.mu.Unlock()
	return answer, nil
}

// SaveDocuments writes the last transcript message as the agent's output
// document. Critics call this again after each requested revision.
func (a *AIAgent) SaveDocuments() {
	a.store.Update(docstore.Document{
		Name:     a.outputName,
		Content:  a.lastMessage(),
		Filename: a.outputFilename,
	})
}

// Model returns the model the agent completes with.
func (a *AIAgent) Model() string { return a.model }

func (a *AIAgent) lastMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.chat) == 0 {
		return ""
	}
	return a.chat[len(a.chat)-1].Content
}

// transcript renders the whole chat, one block per message.
func (a *AIAgent) transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	parts := make([]string, 0, len(a.chat))
	for _, m := range a.chat {
		parts = append(parts, formatMessage(m))
	}
	return strings.Join(parts, "\n\n")
}

func formatMessage(m llm.Message) string {
	return "## " + string(m.Role) + ": \n" + m.Content
}
