// Package docstore holds the documents produced during one pipeline run.
// The store is the run's only synchronization primitive: agents block on
// WaitFor until every document they depend on has been written.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/loomworks/loom/internal/bus"
)

// ErrMissingDocument is returned by Get for names not in the store.
var ErrMissingDocument = errors.New("document not found")

// Document is a named text artifact exchanged between agents.
type Document struct {
	Name    string `json:"name"`
	Content string `json:"content"`

	// Filename, when set, asks the store to also write the content to
	// disk on save. The write is a side effect and not part of the
	// synchronization contract.
	Filename string `json:"filename,omitempty"`
}

func (d Document) String() string {
	return "# " + d.Name + ": \n" + d.Content
}

// Store is a per-run document map. Writers replace documents by name,
// last writer wins. Waiters are woken on every update.
type Store struct {
	mu      sync.Mutex
	docs    map[string]Document
	changed chan struct{}

	runID   string
	dataDir string
	bus     *bus.Bus
	log     *slog.Logger
}

// NewStore creates an empty store for one run. dataDir may be empty to
// disable side-effect file writes; eventBus may be nil.
func NewStore(runID string, eventBus *bus.Bus, dataDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		docs:    make(map[string]Document),
		changed: make(chan struct{}),
		runID:   runID,
		dataDir: dataDir,
		bus:     eventBus,
		log:     log,
	}
}

// Contains reports whether every named document is present. An empty name
// list is trivially satisfied.
func (s *Store) Contains(names ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containsLocked(names)
}

func (s *Store) containsLocked(names []string) bool {
	for _, name := range names {
		if _, ok := s.docs[name]; !ok {
			return false
		}
	}
	return true
}

// Update merges documents into the store by name and wakes every waiter.
// The merge is atomic: a waiter observes either none or all of the
// documents of one call.
func (s *Store) Update(docs ...Document) {
	if len(docs) == 0 {
		return
	}

	s.mu.Lock()
	for _, d := range docs {
		s.docs[d.Name] = d
	}
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	for _, d := range docs {
		if d.Filename != "" && s.dataDir != "" {
			s.writeFile(d)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicDocumentSaved, bus.DocumentSavedEvent{RunID: s.runID, Name: d.Name})
		}
	}
}

func (s *Store) writeFile(d Document) {
	path := filepath.Join(s.dataDir, s.runID, filepath.Base(d.Filename))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Warn("document file write failed", "run_id", s.runID, "name", d.Name, "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(d.Content), 0o644); err != nil {
		s.log.Warn("document file write failed", "run_id", s.runID, "name", d.Name, "error", err)
	}
}

// Get returns the named documents in the order requested. Every name must
// be present; callers gate on WaitFor or Contains first.
func (s *Store) Get(names ...string) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(names))
	for _, name := range names {
		d, ok := s.docs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDocument, name)
		}
		out = append(out, d)
	}
	return out, nil
}

// Snapshot returns a copy of the current document set.
func (s *Store) Snapshot() map[string]Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Document, len(s.docs))
	for name, d := range s.docs {
		out[name] = d
	}
	return out
}

// WaitFor blocks until every named document exists or the context ends.
// The check runs under the same lock that guards Update, so a wakeup is
// never missed between checking and waiting.
func (s *Store) WaitFor(ctx context.Context, names ...string) error {
	for {
		s.mu.Lock()
		if s.containsLocked(names) {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
