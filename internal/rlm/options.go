package rlm

import "github.com/jeffmylife/rlm/internal/observability"

// Option configures a Harness at construction time, following the
// teacher's pervasive functional-options pattern for wiring optional
// collaborators onto a long-lived object.
type Option func(*Harness)

// WithWorkerCommand sets the argv used to launch the interpreter
// subprocess for every run.
func WithWorkerCommand(command []string) Option {
	return func(h *Harness) { h.workerCommand = command }
}

// WithAnthropicClient wires an Anthropic LM client for models that route
// there (see ClientForModel).
func WithAnthropicClient(c *AnthropicClient) Option {
	return func(h *Harness) { h.anthropic = c }
}

// WithOpenAIClient wires an OpenAI LM client.
func WithOpenAIClient(c *OpenAIClient) Option {
	return func(h *Harness) { h.openai = c }
}

// WithRunConfig overrides the harness's default RunConfig.
func WithRunConfig(cfg RunConfig) Option {
	return func(h *Harness) { h.config = cfg }
}

// WithEventSink wires the sink every run's events are emitted to.
func WithEventSink(sink EventSink) Option {
	return func(h *Harness) { h.events = sink }
}

// WithLogger wires a structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithTracer wires an OpenTelemetry tracer. The harness opens one span per
// run ("rlm.run"); iterations, REPL executions and subcalls get no spans of
// their own.
func WithTracer(t *observability.Tracer) Option {
	return func(h *Harness) { h.tracer = t }
}

// WithMetrics wires Prometheus collectors. Construct with NewMetrics
// against a Registerer of your choosing.
func WithMetrics(m *Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

// WithBridgeOptions overrides the LM Bridge Server's bind address and auth
// requirements.
func WithBridgeOptions(opts BridgeOptions) Option {
	return func(h *Harness) { h.bridgeOpts = opts }
}
