package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/docstore"
)

// Transform is the pure function a HardCodeAgent applies to its joined
// input contents.
type Transform func(string) string

// Pipeline definitions refer to transforms by name.
var transforms = map[string]Transform{
	"identity": func(s string) string { return s },
	"upper":    strings.ToUpper,
	"lower":    strings.ToLower,
	"trim":     strings.TrimSpace,
}

// LookupTransform resolves a named transform from a pipeline definition.
func LookupTransform(name string) (Transform, error) {
	t, ok := transforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	return t, nil
}

// HardCodeAgent applies a fixed transform to its inputs. No LLM involved.
type HardCodeAgent struct {
	base
	transform Transform
}

func NewHardCodeAgent(cfg AgentConfig, store *docstore.Store, transform Transform) *HardCodeAgent {
	return &HardCodeAgent{
		base:      cfg.base(store),
		transform: transform,
	}
}

func (a *HardCodeAgent) OutputNames() []string { return []string{a.outputName} }

func (a *HardCodeAgent) Run(ctx context.Context) error {
	if err := a.waitForGate(ctx); err != nil {
		return err
	}
	a.logStart(ctx)

	docs, err := a.inputDocuments()
	if err != nil {
		return err
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	result := a.transform(strings.Join(parts, "\n"))

	a.store.Update(docstore.Document{
		Name:     a.outputName,
		Content:  result,
		Filename: a.outputFilename,
	})
	a.logFinish(ctx)
	return nil
}
