package otel

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("init disabled: %v", err)
	}
	if p.Tracer == nil {
		t.Fatal("disabled provider returned nil tracer")
	}
	if p.Meter == nil {
		t.Fatal("disabled provider returned nil meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("disabled shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "loom-test",
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected a span")
	}
	span.End()
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown exporter accepted")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "pipeline.run",
		AttrRunID.String("run-1"),
		AttrGroupID.Int64(1),
	)
	span.End()

	_, server := StartServerSpan(context.Background(), p.Tracer, "gateway.request")
	server.End()

	_, client := StartClientSpan(context.Background(), p.Tracer, "llm.complete",
		AttrModel.String("openai/gpt-4o-mini"),
	)
	client.End()
}
