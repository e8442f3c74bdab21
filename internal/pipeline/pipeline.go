package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/otel"
	"github.com/loomworks/loom/internal/shared"
)

// Context carries the per-run collaborators every agent shares: the
// document store, the LLM client, and the hooks a chat agent needs to
// reach its human. Created per run, discarded after.
type Context struct {
	RunID     string
	Store     *docstore.Store
	Completer llm.Completer
	Provider  MessageProvider
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
	Log       *slog.Logger
}

// Pipeline is a built agent graph ready to run once.
type Pipeline struct {
	runID   string
	store   *docstore.Store
	agents  map[string]Agent
	kinds   map[string]string
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *otel.Metrics
	log     *slog.Logger
}

// instrumentedCompleter wraps every completion call in a client span and
// records its duration.
type instrumentedCompleter struct {
	inner   llm.Completer
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func (t instrumentedCompleter) Complete(ctx context.Context, model string, messages []llm.Message, settings llm.GenerationSettings) (string, error) {
	if t.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, t.tracer, "llm.complete", otel.AttrModel.String(model))
		defer span.End()
	}
	start := time.Now()
	out, err := t.inner.Complete(ctx, model, messages, settings)
	if t.metrics != nil {
		t.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrModel.String(model)))
	}
	return out, err
}

// New builds agents from their configs. Critic references are resolved
// after every agent is constructed, so definition order does not matter.
func New(pctx Context, configs map[string]AgentConfig) (*Pipeline, error) {
	if pctx.Log == nil {
		pctx.Log = slog.Default()
	}
	if pctx.Completer != nil && (pctx.Metrics != nil || pctx.Tracer != nil) {
		pctx.Completer = instrumentedCompleter{inner: pctx.Completer, tracer: pctx.Tracer, metrics: pctx.Metrics}
	}

	p := &Pipeline{
		runID:   pctx.RunID,
		store:   pctx.Store,
		agents:  make(map[string]Agent, len(configs)),
		kinds:   make(map[string]string, len(configs)),
		bus:     pctx.Bus,
		tracer:  pctx.Tracer,
		metrics: pctx.Metrics,
		log:     pctx.Log,
	}

	type pendingCritic struct {
		cfg AgentConfig
	}
	var critics []pendingCritic

	for name, cfg := range configs {
		cfg.Name = name
		p.kinds[name] = cfg.Type
		switch cfg.Type {
		case KindHardCode:
			transform, err := LookupTransform(cfg.Transform)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", name, err)
			}
			p.agents[name] = NewHardCodeAgent(cfg, pctx.Store, transform)
		case KindAI:
			p.agents[name] = NewAIAgent(cfg, pctx.Store, pctx.Completer)
		case KindChat:
			if pctx.Provider == nil {
				return nil, fmt.Errorf("agent %s: chat agent requires a message provider", name)
			}
			p.agents[name] = NewChatAgent(cfg, pctx.Store, pctx.Completer, pctx.Provider)
		case KindCritic:
			critics = append(critics, pendingCritic{cfg: cfg})
		default:
			return nil, fmt.Errorf("agent %s: unknown type %q", name, cfg.Type)
		}
	}

	for _, c := range critics {
		target, ok := p.agents[c.cfg.CriticizedAgentName]
		if !ok {
			return nil, fmt.Errorf("agent %s: criticized agent %q not defined", c.cfg.Name, c.cfg.CriticizedAgentName)
		}
		criticized, ok := target.(revisable)
		if !ok {
			return nil, fmt.Errorf("agent %s: criticized agent %q is not an AI agent", c.cfg.Name, c.cfg.CriticizedAgentName)
		}
		p.agents[c.cfg.Name] = NewCriticAgent(c.cfg, pctx.Store, pctx.Completer, criticized)
	}

	return p, nil
}

// Agents returns the built agents by name.
func (p *Pipeline) Agents() map[string]Agent {
	return p.agents
}

// Run launches every agent concurrently and waits for all of them.
// Ordering emerges from each agent's blocking wait on the store; the
// first agent error cancels the run context and fails the whole run.
func (p *Pipeline) Run(ctx context.Context) (map[string]docstore.Document, error) {
	p.publish(bus.TopicRunStarted, bus.RunEvent{RunID: p.runID})

	g, ctx := errgroup.WithContext(ctx)
	for _, a := range p.agents {
		g.Go(func() error {
			return p.runAgent(ctx, a)
		})
	}
	if err := g.Wait(); err != nil {
		p.publish(bus.TopicRunFailed, bus.RunEvent{RunID: p.runID, Error: err.Error()})
		return nil, err
	}

	p.publish(bus.TopicRunFinished, bus.RunEvent{RunID: p.runID})
	return p.store.Snapshot(), nil
}

func (p *Pipeline) runAgent(ctx context.Context, a Agent) error {
	ctx = shared.WithAgentName(ctx, a.Name())
	if p.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, p.tracer, "pipeline.agent",
			otel.AttrRunID.String(p.runID),
			otel.AttrAgentName.String(a.Name()),
			otel.AttrAgentKind.String(p.kinds[a.Name()]),
		)
		defer span.End()
	}

	p.publish(bus.TopicAgentStarted, bus.RunEvent{RunID: p.runID, Agent: a.Name()})
	p.log.DebugContext(ctx, "agent started", "run_id", p.runID, "agent", a.Name())

	start := time.Now()
	err := a.Run(ctx)
	if c, ok := a.(*CriticAgent); ok {
		trace.SpanFromContext(ctx).SetAttributes(otel.AttrCriticRounds.Int(c.Rounds()))
		if p.metrics != nil {
			p.metrics.CriticRounds.Add(ctx, int64(c.Rounds()))
		}
	}
	if p.metrics != nil {
		p.metrics.AgentDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrAgentName.String(a.Name())))
	}
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.Name(), err)
	}

	p.publish(bus.TopicAgentFinished, bus.RunEvent{RunID: p.runID, Agent: a.Name()})
	p.log.DebugContext(ctx, "agent finished", "run_id", p.runID, "agent", a.Name())
	return nil
}

func (p *Pipeline) publish(topic string, ev bus.RunEvent) {
	if p.bus != nil {
		p.bus.Publish(topic, ev)
	}
}
