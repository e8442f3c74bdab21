package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Loom metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	RunDuration      metric.Float64Histogram
	AgentDuration    metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	DocumentsSaved   metric.Int64Counter
	CriticRounds     metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	PermissionDenied metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("loom.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("loom.run.duration",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDuration, err = meter.Float64Histogram("loom.agent.duration",
		metric.WithDescription("Agent execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("loom.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DocumentsSaved, err = meter.Int64Counter("loom.documents.saved",
		metric.WithDescription("Documents written to run stores"),
	)
	if err != nil {
		return nil, err
	}

	m.CriticRounds, err = meter.Int64Counter("loom.critic.rounds",
		metric.WithDescription("Critique rounds executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("loom.run.active",
		metric.WithDescription("Number of currently active pipeline runs"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDenied, err = meter.Int64Counter("loom.permission.denied",
		metric.WithDescription("Operations rejected by the permission engine"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
