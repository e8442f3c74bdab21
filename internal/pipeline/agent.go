// Package pipeline runs document-dependency agent graphs. Agents share one
// document store per run; each agent blocks until its input and required
// documents exist, runs once, and writes its declared outputs back.
package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/internal/docstore"
)

// Agent is one node of a pipeline run.
type Agent interface {
	Name() string
	InputNames() []string
	OutputNames() []string

	// Run blocks until the agent's gate documents exist, executes the
	// agent's work, and saves its outputs. A returned error is fatal to
	// the whole run.
	Run(ctx context.Context) error
}

// base carries the fields and gating behavior common to every agent kind.
type base struct {
	name           string
	store          *docstore.Store
	inputNames     []string
	requiredNames  []string
	outputName     string
	outputFilename string

	startLog  string
	finishLog string
	log       *slog.Logger
}

func (b *base) Name() string         { return b.name }
func (b *base) InputNames() []string { return b.inputNames }

// waitForGate blocks until every input and required document exists.
// Required documents gate execution but are never read.
func (b *base) waitForGate(ctx context.Context) error {
	gate := make([]string, 0, len(b.inputNames)+len(b.requiredNames))
	gate = append(gate, b.inputNames...)
	gate = append(gate, b.requiredNames...)
	return b.store.WaitFor(ctx, gate...)
}

func (b *base) logStart(ctx context.Context) {
	if b.startLog != "" {
		b.log.InfoContext(ctx, b.startLog, "agent", b.name)
	}
}

func (b *base) logFinish(ctx context.Context) {
	if b.finishLog != "" {
		b.log.InfoContext(ctx, b.finishLog, "agent", b.name)
	}
}

// inputDocuments reads the agent's input documents. Callers gate first.
func (b *base) inputDocuments() ([]docstore.Document, error) {
	return b.store.Get(b.inputNames...)
}

// promptInput renders input documents as one prompt block.
func promptInput(docs []docstore.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, "## "+d.Name+": \n"+d.Content)
	}
	return strings.Join(parts, "\n")
}
