// Package runner starts and tracks pipeline runs. Each run gets its own
// document store and agent graph; runs execute in the background and
// report state through the run table and the event bus.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/otel"
	"github.com/loomworks/loom/internal/persistence"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/shared"
)

// Options tunes run execution.
type Options struct {
	// DataDir is where documents with filenames are written. Empty
	// disables the side-effect writes.
	DataDir string

	// RunTimeout bounds one run. Zero means no timeout.
	RunTimeout time.Duration

	// DefaultModel is filled into LLM agents whose definition names no
	// model. Empty keeps the model a required definition field.
	DefaultModel string

	// MaxCriticIterations is the critique-loop cap for critics whose
	// definition names none. Zero falls back to the pipeline default.
	MaxCriticIterations int

	// Metrics receives run and agent instruments when set.
	Metrics *otel.Metrics
}

// Runner owns the active runs.
type Runner struct {
	store     *persistence.Store
	bus       *bus.Bus
	completer llm.Completer
	opts      Options
	tracer    trace.Tracer
	log       *slog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	id      string
	groupID int64
	userID  int64
	chat    *ChatSession
	cancel  context.CancelFunc
}

func New(store *persistence.Store, eventBus *bus.Bus, completer llm.Completer, tracer trace.Tracer, opts Options, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:     store,
		bus:       eventBus,
		completer: completer,
		opts:      opts,
		tracer:    tracer,
		log:       log,
		runs:      make(map[string]*activeRun),
	}
}

// Start validates the definition, records the run, and launches it in the
// background. The returned run is in the QUEUED state.
func (r *Runner) Start(ctx context.Context, groupID, userID int64, rawDefinition []byte) (*persistence.Run, error) {
	def, err := pipeline.ParseDefinition(rawDefinition)
	if err != nil {
		return nil, err
	}
	def.ApplyDefaults(r.opts.DefaultModel, r.opts.MaxCriticIterations)
	if err := def.Validate(); err != nil {
		return nil, err
	}

	run := persistence.Run{
		ID:         shared.NewRunID(),
		GroupID:    groupID,
		StartedBy:  userID,
		Definition: string(rawDefinition),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(shared.WithRunID(context.Background(), run.ID))
	active := &activeRun{id: run.ID, groupID: groupID, userID: userID, cancel: cancel}
	if definitionHasChat(def) {
		active.chat = newChatSession()
	}

	r.mu.Lock()
	r.runs[run.ID] = active
	r.mu.Unlock()

	go r.execute(runCtx, active, def)

	created, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Chat returns the chat session of an active run, if it has one.
func (r *Runner) Chat(runID string) (*ChatSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, ok := r.runs[runID]
	if !ok || active.chat == nil {
		return nil, false
	}
	return active.chat, true
}

// Cancel aborts an active run. Unknown runs are ignored.
func (r *Runner) Cancel(runID string) {
	r.mu.Lock()
	active, ok := r.runs[runID]
	r.mu.Unlock()
	if ok {
		active.cancel()
	}
}

// Shutdown cancels every active run.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, active := range r.runs {
		active.cancel()
	}
}

func (r *Runner) execute(ctx context.Context, active *activeRun, def *pipeline.Definition) {
	defer func() {
		r.mu.Lock()
		delete(r.runs, active.id)
		r.mu.Unlock()
		if active.chat != nil {
			active.chat.close()
		}
		active.cancel()
	}()

	if r.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.RunTimeout)
		defer cancel()
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, r.tracer, "pipeline.run",
			otel.AttrRunID.String(active.id),
			otel.AttrGroupID.Int64(active.groupID),
			otel.AttrUserID.Int64(active.userID),
		)
		defer span.End()
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveRuns.Add(ctx, 1)
		start := time.Now()
		defer func() {
			r.opts.Metrics.ActiveRuns.Add(context.Background(), -1)
			r.opts.Metrics.RunDuration.Record(context.Background(), time.Since(start).Seconds())
		}()
	}

	// Status writes use their own context so a cancelled run still
	// records its state.
	statusCtx, statusCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := r.store.UpdateRunStatus(statusCtx, active.id, persistence.RunStatusRunning, "")
	statusCancel()
	if err != nil {
		r.log.Error("mark run running", "run_id", active.id, "error", err)
		return
	}

	store := docstore.NewStore(active.id, r.bus, r.opts.DataDir, r.log)
	for _, seed := range def.SeedDocuments {
		store.Update(docstore.Document{Name: seed.Name, Content: seed.Content, Filename: seed.Filename})
	}

	var provider pipeline.MessageProvider
	if active.chat != nil {
		provider = active.chat.provider
	}

	p, err := pipeline.New(pipeline.Context{
		RunID:     active.id,
		Store:     store,
		Completer: r.completer,
		Provider:  provider,
		Bus:       r.bus,
		Tracer:    r.tracer,
		Metrics:   r.opts.Metrics,
		Log:       r.log,
	}, def.Agents)
	if err != nil {
		r.finish(active.id, fmt.Errorf("build pipeline: %w", err))
		return
	}

	_, runErr := p.Run(ctx)
	r.finish(active.id, runErr)
}

// finish records the terminal state. A fresh context is used so a
// cancelled run can still persist its failure.
func (r *Runner) finish(runID string, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := persistence.RunStatusSucceeded
	detail := ""
	if runErr != nil {
		status = persistence.RunStatusFailed
		detail = runErr.Error()
		r.log.Warn("run failed", "run_id", runID, "error", runErr)
	} else {
		r.log.Info("run finished", "run_id", runID)
	}
	if err := r.store.UpdateRunStatus(ctx, runID, status, detail); err != nil {
		r.log.Error("record run result", "run_id", runID, "error", err)
	}
}

func definitionHasChat(def *pipeline.Definition) bool {
	for _, cfg := range def.Agents {
		if cfg.Type == pipeline.KindChat {
			return true
		}
	}
	return false
}
