package pipeline

import (
	"context"
	"strings"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
)

// MessageProvider supplies the next human message for a ChatAgent. It
// receives the latest assistant reply (empty on the first call) and blocks
// until a message is available or the context ends.
type MessageProvider func(ctx context.Context, lastReply string) (string, error)

// ChatAgent relays messages between a human and the model until a stop
// word appears in the assistant's latest reply. It writes two documents:
// the last assistant message and the full transcript.
type ChatAgent struct {
	*AIAgent
	chatName     string
	chatFilename string
	stopWords    []string
	provider     MessageProvider
}

func NewChatAgent(cfg AgentConfig, store *docstore.Store, completer llm.Completer, provider MessageProvider) *ChatAgent {
	// The last-message document doubles as the agent's primary output.
	if cfg.LastMessageName != "" {
		cfg.OutputDocumentName = cfg.LastMessageName
	}
	if cfg.LastMessageFilename != "" {
		cfg.OutputDocumentFilename = cfg.LastMessageFilename
	}
	cfg.InputDocumentNames = nil

	chatName := cfg.ChatName
	if chatName == "" {
		chatName = cfg.Name + ".chat"
	}
	return &ChatAgent{
		AIAgent:      NewAIAgent(cfg, store, completer),
		chatName:     chatName,
		chatFilename: cfg.ChatFilename,
		stopWords:    cfg.StopWords,
		provider:     provider,
	}
}

func (a *ChatAgent) OutputNames() []string {
	return []string{a.outputName, a.chatName}
}

func (a *ChatAgent) Run(ctx context.Context) error {
	if err := a.waitForGate(ctx); err != nil {
		return err
	}
	a.logStart(ctx)

	lastReply := ""
	for {
		message, err := a.provider(ctx, lastReply)
		if err != nil {
			return err
		}
		lastReply, err = a.Send(ctx, llm.RoleUser, message)
		if err != nil {
			return err
		}
		if a.stopped() {
			break
		}
	}

	a.SaveDocuments()
	a.logFinish(ctx)
	return nil
}

// stopped checks the formatted latest message for any stop word,
// case-sensitive substring match.
func (a *ChatAgent) stopped() bool {
	a.mu.Lock()
	last := formatMessage(a.chat[len(a.chat)-1])
	a.mu.Unlock()
	for _, word := range a.stopWords {
		if strings.Contains(last, word) {
			return true
		}
	}
	return false
}

// SaveDocuments writes the last assistant message and the transcript.
func (a *ChatAgent) SaveDocuments() {
	a.AIAgent.SaveDocuments()
	a.store.Update(docstore.Document{
		Name:     a.chatName,
		Content:  a.transcript(),
		Filename: a.chatFilename,
	})
}
