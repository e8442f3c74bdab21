package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/docstore"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/otel"
)

// fakeCompleter routes every completion through a test-supplied function.
type fakeCompleter struct {
	calls atomic.Int64
	fn    func(model string, messages []llm.Message) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, model string, messages []llm.Message, _ llm.GenerationSettings) (string, error) {
	f.calls.Add(1)
	return f.fn(model, messages)
}

// echoCompleter replies with the last message's content.
func echoCompleter() *fakeCompleter {
	return &fakeCompleter{fn: func(_ string, messages []llm.Message) (string, error) {
		return messages[len(messages)-1].Content, nil
	}}
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHardCodeAgentTransformsInput(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)
	agent := NewHardCodeAgent(AgentConfig{
		Name:               "shout",
		InputDocumentNames: []string{"a"},
		OutputDocumentName: "shout",
		Transform:          "upper",
	}, store, strings.ToUpper)

	ctx := runCtx(t)
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	store.Update(docstore.Document{Name: "a", Content: "hello"})

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	docs, err := store.Get("shout")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if docs[0].Content != "HELLO" {
		t.Fatalf("output = %q, want HELLO", docs[0].Content)
	}
}

func TestAgentWaitsForRequiredDocuments(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)
	store.Update(docstore.Document{Name: "a", Content: "hello"})

	agent := NewHardCodeAgent(AgentConfig{
		Name:               "shout",
		InputDocumentNames: []string{"a"},
		RequiredDocuments:  []string{"gate"},
	}, store, strings.ToUpper)

	ctx := runCtx(t)
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("agent ran before its gate document existed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if store.Contains("shout") {
		t.Fatal("output written before gate opened")
	}

	store.Update(docstore.Document{Name: "gate", Content: ""})
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestAIAgentSendsInputsAndSavesReply(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)
	var gotPrompt string
	completer := &fakeCompleter{fn: func(_ string, messages []llm.Message) (string, error) {
		gotPrompt = messages[len(messages)-1].Content
		return "the reply", nil
	}}

	agent := NewAIAgent(AgentConfig{
		Name:               "writer",
		InputDocumentNames: []string{"notes", "outline"},
		SystemPrompt:       "write well",
		Settings:           SettingsConfig{Model: llm.ModelGPT4oMini},
	}, store, completer)

	store.Update(
		docstore.Document{Name: "notes", Content: "n"},
		docstore.Document{Name: "outline", Content: "o"},
	)
	if err := agent.Run(runCtx(t)); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := "## notes: \nn\n## outline: \no"
	if gotPrompt != want {
		t.Fatalf("prompt = %q, want %q", gotPrompt, want)
	}
	docs, err := store.Get("writer")
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if docs[0].Content != "the reply" {
		t.Fatalf("output = %q, want the reply", docs[0].Content)
	}
}

func TestChatAgentStopsOnStopWord(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)

	messages := []string{"x", "DONE"}
	var served int
	provider := func(_ context.Context, _ string) (string, error) {
		m := messages[served]
		served++
		return m, nil
	}

	completer := echoCompleter()
	agent := NewChatAgent(AgentConfig{
		Name:            "chat",
		SystemPrompt:    "talk",
		Settings:        SettingsConfig{Model: llm.ModelGPT4oMini},
		ChatName:        "chat.transcript",
		LastMessageName: "chat.last",
		StopWords:       []string{"DONE"},
	}, store, completer, provider)

	if err := agent.Run(runCtx(t)); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := completer.calls.Load(); got != 2 {
		t.Fatalf("exchanges = %d, want 2", got)
	}
	last, err := store.Get("chat.last")
	if err != nil {
		t.Fatalf("get last message: %v", err)
	}
	if last[0].Content != "DONE" {
		t.Fatalf("last message = %q, want last assistant reply", last[0].Content)
	}
	transcript, err := store.Get("chat.transcript")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if !strings.Contains(transcript[0].Content, "## user: \nx") ||
		!strings.Contains(transcript[0].Content, "## assistant: \nDONE") {
		t.Fatalf("transcript missing turns: %q", transcript[0].Content)
	}
}

func TestCriticApprovesAfterRevision(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)

	// The shared completer plays both sides: the writer echoes, the
	// critic rejects once, then approves.
	var critiques int
	completer := &fakeCompleter{fn: func(_ string, messages []llm.Message) (string, error) {
		if messages[0].Content == "critique" {
			critiques++
			if critiques == 1 {
				return "needs work", nil
			}
			return "OK looks good", nil
		}
		return "draft v" + strings.Repeat("+", len(messages)), nil
	}}

	writer := NewAIAgent(AgentConfig{
		Name:               "writer",
		InputDocumentNames: []string{"brief"},
		SystemPrompt:       "write",
		Settings:           SettingsConfig{Model: llm.ModelGPT4oMini},
	}, store, completer)
	critic := NewCriticAgent(AgentConfig{
		Name:                "critic",
		InputDocumentNames:  []string{"writer"},
		SystemPrompt:        "critique",
		Settings:            SettingsConfig{Model: llm.ModelGPT4oMini},
		CriticizedAgentName: "writer",
		MaxIterations:       5,
	}, store, completer, writer)

	store.Update(docstore.Document{Name: "brief", Content: "b"})
	if err := writer.Run(runCtx(t)); err != nil {
		t.Fatalf("writer run: %v", err)
	}
	firstDraft, _ := store.Get("writer")

	if err := critic.Run(runCtx(t)); err != nil {
		t.Fatalf("critic run: %v", err)
	}
	if critic.StoppedByCap() {
		t.Fatal("critic reported cap stop on the approval path")
	}

	revised, err := store.Get("writer")
	if err != nil {
		t.Fatalf("get revised draft: %v", err)
	}
	if revised[0].Content == firstDraft[0].Content {
		t.Fatal("criticized agent never saved a revision")
	}

	out, err := store.Get("critic")
	if err != nil {
		t.Fatalf("get critic output: %v", err)
	}
	if !strings.Contains(out[0].Content, "Critics 0: needs work") ||
		!strings.Contains(out[0].Content, "Critics 1: OK looks good") {
		t.Fatalf("critic output missing rounds: %q", out[0].Content)
	}
}

func TestCriticStopsAtIterationCap(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)

	var critiques atomic.Int64
	completer := &fakeCompleter{fn: func(_ string, messages []llm.Message) (string, error) {
		if messages[0].Content == "critique" {
			critiques.Add(1)
			return "never satisfied", nil
		}
		return "another draft", nil
	}}

	writer := NewAIAgent(AgentConfig{
		Name:               "writer",
		InputDocumentNames: []string{"brief"},
		SystemPrompt:       "write",
		Settings:           SettingsConfig{Model: llm.ModelGPT4oMini},
	}, store, completer)
	critic := NewCriticAgent(AgentConfig{
		Name:                "critic",
		InputDocumentNames:  []string{"writer"},
		SystemPrompt:        "critique",
		Settings:            SettingsConfig{Model: llm.ModelGPT4oMini},
		CriticizedAgentName: "writer",
		MaxIterations:       2,
	}, store, completer, writer)

	store.Update(docstore.Document{Name: "brief", Content: "b"})
	if err := writer.Run(runCtx(t)); err != nil {
		t.Fatalf("writer run: %v", err)
	}
	if err := critic.Run(runCtx(t)); err != nil {
		t.Fatalf("critic run: %v", err)
	}

	if got := critiques.Load(); got > 3 {
		t.Fatalf("critique rounds = %d, want at most max_iterations+1 = 3", got)
	}
	if !critic.StoppedByCap() {
		t.Fatal("critic did not report the cap stop")
	}
}

func TestPipelineRunOrdersByDataDependencies(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)
	completer := echoCompleter()

	def, err := ParseDefinition([]byte(`{
		"agents": {
			"shout": {
				"type": "hard_code",
				"transform": "upper",
				"input_document_names": ["seed"]
			},
			"writer": {
				"type": "ai",
				"system_prompt": "write",
				"settings": {"model": "openai/gpt-4o-mini"},
				"input_document_names": ["shout"]
			}
		},
		"seed_documents": [{"name": "seed", "content": "go"}]
	}`))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate definition: %v", err)
	}

	p, err := New(Context{RunID: "run-1", Store: store, Completer: completer}, def.Agents)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	for _, seed := range def.SeedDocuments {
		store.Update(docstore.Document{Name: seed.Name, Content: seed.Content, Filename: seed.Filename})
	}
	docs, err := p.Run(runCtx(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if docs["shout"].Content != "GO" {
		t.Fatalf("shout output = %q, want GO", docs["shout"].Content)
	}
	if !strings.Contains(docs["writer"].Content, "GO") {
		t.Fatalf("writer never saw the upstream output: %q", docs["writer"].Content)
	}
}

func TestPipelineRunFailureCancelsStalledAgents(t *testing.T) {
	store := docstore.NewStore("run-1", nil, "", nil)
	completer := &fakeCompleter{fn: func(string, []llm.Message) (string, error) {
		return "", errors.New("model unavailable")
	}}

	p, err := New(Context{RunID: "run-1", Store: store, Completer: completer}, map[string]AgentConfig{
		"writer": {
			Type:               KindAI,
			SystemPrompt:       "write",
			Settings:           SettingsConfig{Model: llm.ModelGPT4oMini},
			InputDocumentNames: []string{"seed"},
		},
		"stalled": {
			Type:               KindHardCode,
			Transform:          "identity",
			InputDocumentNames: []string{"writer"},
		},
	})
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	store.Update(docstore.Document{Name: "seed", Content: "s"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.Run(ctx); err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("run err = %v, want the writer failure", err)
	}
}

func TestRunEmitsSpansWithAgentMetadata(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := docstore.NewStore("run-1", nil, "", nil)
	completer := &fakeCompleter{fn: func(_ string, messages []llm.Message) (string, error) {
		if messages[0].Content == "judge" {
			return "OK", nil
		}
		return "draft", nil
	}}

	p, err := New(Context{
		RunID:     "run-1",
		Store:     store,
		Completer: completer,
		Tracer:    tp.Tracer("test"),
	}, map[string]AgentConfig{
		"writer": {
			Type:               KindAI,
			SystemPrompt:       "write",
			Settings:           SettingsConfig{Model: llm.ModelGPT4oMini},
			InputDocumentNames: []string{"seed"},
		},
		"critic": {
			Type:                KindCritic,
			SystemPrompt:        "judge",
			Settings:            SettingsConfig{Model: llm.ModelGPT4oMini},
			CriticizedAgentName: "writer",
			InputDocumentNames:  []string{"writer"},
		},
	})
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}

	store.Update(docstore.Document{Name: "seed", Content: "s"})
	if _, err := p.Run(runCtx(t)); err != nil {
		t.Fatalf("run: %v", err)
	}

	byName := map[string][]tracetest.SpanStub{}
	for _, s := range exporter.GetSpans() {
		byName[s.Name] = append(byName[s.Name], s)
	}

	kinds := map[string]bool{}
	criticRounds := int64(-1)
	for _, s := range byName["pipeline.agent"] {
		for _, kv := range s.Attributes {
			switch kv.Key {
			case otel.AttrAgentKind:
				kinds[kv.Value.AsString()] = true
			case otel.AttrCriticRounds:
				criticRounds = kv.Value.AsInt64()
			}
		}
	}
	if !kinds[KindAI] || !kinds[KindCritic] {
		t.Fatalf("agent spans missing kinds, got %v", kinds)
	}
	if criticRounds != 1 {
		t.Fatalf("critic rounds attribute = %d, want 1 for first-round approval", criticRounds)
	}

	llmSpans := byName["llm.complete"]
	if len(llmSpans) == 0 {
		t.Fatal("no completion spans recorded")
	}
	if llmSpans[0].SpanKind != trace.SpanKindClient {
		t.Fatalf("completion span kind = %v, want client", llmSpans[0].SpanKind)
	}
	model := ""
	for _, kv := range llmSpans[0].Attributes {
		if kv.Key == otel.AttrModel {
			model = kv.Value.AsString()
		}
	}
	if model != llm.ModelGPT4oMini {
		t.Fatalf("completion span model = %q, want %q", model, llm.ModelGPT4oMini)
	}
}

func TestParseDefinitionRejectsBadInput(t *testing.T) {
	cases := []string{
		`{}`,
		`{"agents": {}}`,
		`{"agents": {"x": {"type": "teleport"}}}`,
		`{"agents": {"x": {"type": "ai", "stop_words": "DONE"}}}`,
	}
	for _, raw := range cases {
		if _, err := ParseDefinition([]byte(raw)); err == nil {
			t.Errorf("ParseDefinition(%s) accepted invalid input", raw)
		}
	}
}

func TestDefinitionApplyDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
		"agents": {
			"writer": {"type": "ai", "system_prompt": "write", "input_document_names": ["seed"]},
			"styled": {"type": "ai", "system_prompt": "style", "settings": {"model": "openai/gpt-4o"}},
			"critic": {"type": "critic", "system_prompt": "judge", "criticized_agent_name": "writer", "input_document_names": ["writer"]}
		}
	}`))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if err := def.Validate(); err == nil {
		t.Fatal("missing model accepted before defaults were applied")
	}

	def.ApplyDefaults(llm.ModelGPT4oMini, 3)
	if err := def.Validate(); err != nil {
		t.Fatalf("validate after defaults: %v", err)
	}
	if got := def.Agents["writer"].Settings.Model; got != llm.ModelGPT4oMini {
		t.Fatalf("writer model = %q, want the fallback", got)
	}
	if got := def.Agents["styled"].Settings.Model; got != "openai/gpt-4o" {
		t.Fatalf("explicit model overwritten: %q", got)
	}
	if got := def.Agents["critic"].MaxIterations; got != 3 {
		t.Fatalf("critic max_iterations = %d, want the fallback 3", got)
	}
}

func TestDefinitionValidateChecksCriticReferences(t *testing.T) {
	def := &Definition{Agents: map[string]AgentConfig{
		"critic": {
			Type:                KindCritic,
			Settings:            SettingsConfig{Model: llm.ModelGPT4oMini},
			CriticizedAgentName: "ghost",
		},
	}}
	if err := def.Validate(); err == nil {
		t.Fatal("missing criticized agent accepted")
	}

	def.Agents["ghost"] = AgentConfig{Type: KindHardCode, Transform: "upper"}
	if err := def.Validate(); err == nil {
		t.Fatal("hard_code criticized agent accepted")
	}

	def.Agents["ghost"] = AgentConfig{Type: KindAI, Settings: SettingsConfig{Model: llm.ModelGPT4oMini}}
	if err := def.Validate(); err != nil {
		t.Fatalf("valid critic reference rejected: %v", err)
	}
}
