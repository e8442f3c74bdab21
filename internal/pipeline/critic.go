package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
)

// approvalToken ends the critique loop when it appears anywhere in a
// critique, case-sensitive.
const approvalToken = "OK"

// revisable is what a critic needs from the agent it criticizes: a way to
// push a revision request into its transcript and have it re-save its
// output document.
type revisable interface {
	Send(ctx context.Context, role llm.Role, content string) (string, error)
	SaveDocuments()
}

// CriticAgent reviews another agent's output and demands revisions until
// it approves or gives up. Every critique round is accumulated into the
// critic's output document.
type CriticAgent struct {
	*AIAgent
	criticized    revisable
	maxIterations int
	critiques     []string
	stoppedByCap  bool
}

func NewCriticAgent(cfg AgentConfig, store *docstore.Store, completer llm.Completer, criticized revisable) *CriticAgent {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxCriticIterations
	}
	return &CriticAgent{
		AIAgent:       NewAIAgent(cfg, store, completer),
		criticized:    criticized,
		maxIterations: maxIterations,
	}
}

// StoppedByCap reports whether the last run exited on the iteration cap
// rather than on an approval. Hitting the cap is not an error.
func (a *CriticAgent) StoppedByCap() bool { return a.stoppedByCap }

// Rounds returns the number of critique rounds executed so far.
func (a *CriticAgent) Rounds() int { return len(a.critiques) }

func (a *CriticAgent) Run(ctx context.Context) error {
	if err := a.waitForGate(ctx); err != nil {
		return err
	}
	a.logStart(ctx)

	critique, err := a.critiqueRound(ctx, 0)
	if err != nil {
		return err
	}

	for i := 1; !strings.Contains(critique, approvalToken); i++ {
		if i > a.maxIterations {
			a.stoppedByCap = true
			break
		}
		// System role carries the critique; the LLM layer downgrades it
		// to a user message for models that reject system turns.
		if _, err := a.criticized.Send(ctx, llm.RoleSystem, critique); err != nil {
			return err
		}
		a.criticized.SaveDocuments()

		critique, err = a.critiqueRound(ctx, i)
		if err != nil {
			return err
		}
	}

	a.SaveDocuments()
	a.logFinish(ctx)
	return nil
}

// critiqueRound re-reads the input documents, asks for a fresh critique,
// and records it.
func (a *CriticAgent) critiqueRound(ctx context.Context, round int) (string, error) {
	docs, err := a.inputDocuments()
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.String())
	}
	critique, err := a.Send(ctx, llm.RoleUser, strings.Join(parts, "\n\n"))
	if err != nil {
		return "", err
	}
	a.critiques = append(a.critiques, fmt.Sprintf("Critics %d: %s", round, critique))
	return critique, nil
}

// SaveDocuments writes the accumulated critique rounds as one document.
func (a *CriticAgent) SaveDocuments() {
	a.store.Update(docstore.Document{
		Name:     a.outputName,
		Content:  strings.Join(a.critiques, "\n\n"),
		Filename: a.outputFilename,
	})
}
