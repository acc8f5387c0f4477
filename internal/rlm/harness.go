package rlm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeffmylife/rlm/internal/observability"
)

// bridgeTokenTTL bounds the lifetime of the bearer token issued to the
// Worker for the duration of one run (spec §6.2/§4.3's bridge_url auth).
const bridgeTokenTTL = time.Hour

// runState names a state in the harness's per-run state machine (spec §4.8):
// Starting -> Initializing -> Iterating(i) -> CheckingDirective(i) ->
// Finalizing -> Ending, with Failing reachable from any state.
type runState string

const (
	stateStarting          runState = "starting"
	stateInitializing      runState = "initializing"
	stateIterating         runState = "iterating"
	stateCheckingDirective runState = "checking_directive"
	stateFinalizing        runState = "finalizing"
	stateEnding            runState = "ending"
	stateFailing           runState = "failing"
)

// Harness is the constructed, reusable orchestrator: one Harness can run
// many sequential completion() calls, each spinning up its own Worker and
// Bridge for the duration of that single run.
type Harness struct {
	workerCommand []string
	anthropic     *AnthropicClient
	openai        *OpenAIClient
	resolveClient func(model string) (LMClient, error)
	config        RunConfig
	events        EventSink
	logger        *observability.Logger
	tracer        *observability.Tracer
	metrics       *Metrics
	bridgeOpts    BridgeOptions
}

// New constructs a Harness from functional options. See options.go.
func New(opts ...Option) (*Harness, error) {
	h := &Harness{
		config:  DefaultRunConfig(),
		events:  NopEventSink{},
		metrics: noopMetrics(),
		bridgeOpts: BridgeOptions{
			BindAddr: "127.0.0.1:0",
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.config = h.config.sanitize()

	if h.logger == nil {
		h.logger = observability.MustNewLogger(observability.LogConfig{Level: "info", Format: "json"})
	}
	if h.resolveClient == nil {
		h.resolveClient = func(model string) (LMClient, error) {
			return ClientForModel(model, h.anthropic, h.openai)
		}
	}
	if h.anthropic == nil && h.openai == nil {
		return nil, fmt.Errorf("rlm: harness requires at least one LM provider client")
	}
	if len(h.workerCommand) == 0 {
		return nil, fmt.Errorf("rlm: harness requires a worker command")
	}
	return h, nil
}

// run carries the mutable state of one in-flight completion() call. Every
// field that a concurrent Bridge subcall handler touches is guarded by mu.
type run struct {
	id     string
	h      *Harness
	cfg    RunConfig
	tracer *observability.Tracer
	seq    *eventSequencer
	trace  *traceBuilder

	mu               sync.Mutex
	subcallCount     int
	activeIteration  int
	activeExecID     string
	inBindingWindow  bool
}

// Complete runs one harness invocation end to end: Starting through Ending
// (or Failing), always releasing the Worker and Bridge before returning
// (scoped resource release discipline, spec §4.5/§4.8).
func (h *Harness) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	runID := uuid.NewString()
	startedAt := time.Now()

	cfg := h.config
	if req.MaxIterations > 0 {
		cfg.IterationLimit = req.MaxIterations
	}

	ctxMeta := summarizeContext(req.Context)

	r := &run{
		id:     runID,
		h:      h,
		cfg:    cfg,
		tracer: h.tracer,
		seq:    newEventSequencer(h.events),
	}
	var traceMu sync.Mutex
	r.trace = newTraceBuilder(runID, startedAt, cfg, ctxMeta, &traceMu)

	spanCtx := ctx
	var span trace.Span
	if h.tracer != nil {
		spanCtx, span = h.tracer.Start(ctx, "rlm.run", trace.SpanKindInternal, attribute.String("run.id", runID))
		defer span.End()
	}

	r.seq.emit(startedAt, EventRunStarted, "run started", map[string]any{"runId": runID})

	result, directive, err := r.execute(spanCtx, req, ctxMeta)

	endedAt := time.Now()
	status := RunStatusSucceeded
	if err != nil {
		status = RunStatusFailed
		if err == context.Canceled || err == context.DeadlineExceeded || err == ErrCancelled {
			status = RunStatusCancelled
		}
	}
	finalTrace := r.trace.finalize(endedAt, status, err, directive)
	result.Trace = finalTrace
	result.ExecutionTimeMs = endedAt.Sub(startedAt).Milliseconds()

	if err != nil {
		r.seq.emit(endedAt, EventRunFailed, err.Error(), nil)
		r.seq.emit(endedAt, EventRunEndedFailed, "run ended (failed)", nil)
		h.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
		return result, err
	}
	r.seq.emit(endedAt, EventRunEndedCompleted, "run ended (completed)", map[string]any{"iterations": result.Iterations})
	h.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	return result, nil
}

// execute drives Initializing through Finalizing, and owns the scoped
// Worker/Bridge lifecycle for this run.
func (r *run) execute(ctx context.Context, req CompletionRequest, ctxMeta ContextMetadata) (CompletionResult, FinalDirective, error) {
	h := r.h

	state := stateStarting
	_ = state // state is tracked for clarity/observability; transitions are linear below

	worker, err := StartWorker(ctx, h.workerCommand, func(line string) {
		h.logger.Debug(ctx, "worker stderr", "run_id", r.id, "line", line)
	})
	if err != nil {
		return CompletionResult{}, FinalDirective{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = worker.Close(closeCtx)
	}()
	h.logger.Debug(ctx, "worker started", "run_id", r.id)

	bridge, err := NewBridge(h.bridgeOpts, r.handleSingleSubcall, r.handleBatchSubcall, r.currentBinding)
	if err != nil {
		return CompletionResult{}, FinalDirective{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bridge.Shutdown(shutdownCtx)
		h.logger.Debug(ctx, "bridge closed", "run_id", r.id)
	}()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- bridge.Serve() }()
	h.logger.Debug(ctx, "bridge listening", "run_id", r.id, "addr", bridge.Addr())

	state = stateInitializing
	token, err := bridge.issueToken(r.id, bridgeTokenTTL)
	if err != nil {
		return CompletionResult{}, FinalDirective{}, err
	}
	initParams := buildInitParams(req, bridge.Addr(), token)
	if err := worker.Init(ctx, initParams); err != nil {
		return CompletionResult{}, FinalDirective{}, err
	}
	r.seq.emit(time.Now(), EventRunInitialized, "run initialized", nil)

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt()},
		{Role: RoleUser, Content: buildInitialUserMessage(req, ctxMeta)},
	}

	client, err := h.resolveClient(r.cfg.RootModel)
	if err != nil {
		return CompletionResult{}, FinalDirective{}, err
	}

	var lastResponse string
	for i := 0; i < r.cfg.IterationLimit; i++ {
		state = stateIterating
		select {
		case <-ctx.Done():
			return CompletionResult{}, FinalDirective{}, ErrCancelled
		default:
		}

		iteration := i + 1
		r.seq.emit(time.Now(), EventRootIterationStarted, fmt.Sprintf("iteration %d started", iteration), map[string]any{"iteration": iteration})

		iterStart := time.Now()
		deadline := time.Now().Add(r.cfg.RequestTimeout)
		callResult, err := client.Call(ctx, r.cfg.RootModel, messages, deadline)
		latencyMs := time.Since(iterStart).Milliseconds()
		h.metrics.RootCallDuration.Observe(time.Since(iterStart).Seconds())
		h.metrics.IterationsTotal.Inc()
		if err != nil {
			return CompletionResult{}, FinalDirective{}, err
		}
		lastResponse = callResult.Text
		messages = append(messages, Message{Role: RoleAssistant, Content: callResult.Text})

		state = stateCheckingDirective
		if directive, ok := parseDirective(callResult.Text); ok {
			h.logger.Debug(ctx, "directive parsed", "run_id", r.id, "kind", string(directive.Kind))
			answer, ferr := r.resolveDirective(ctx, worker, directive)
			if ferr != nil {
				return CompletionResult{}, directive, ferr
			}
			record := IterationRecord{Index: iteration, Response: callResult.Text}
			r.trace.addIteration(record)
			r.seq.emit(time.Now(), EventRootIterationCompleted, fmt.Sprintf("iteration %d completed", iteration), map[string]any{
				"iteration":    iteration,
				"codeBlocks":   0,
				"responseChars": len(callResult.Text),
				"latencyMs":    latencyMs,
			})

			state = stateFinalizing
			r.seq.emit(time.Now(), EventRunFinalized, "run finalized", map[string]any{"kind": string(directive.Kind)})
			return CompletionResult{Answer: answer, Iterations: iteration, SubcallCount: r.subcallSnapshot()}, directive, nil
		}

		blocks := extractReplCodeBlocks(callResult.Text)
		record := IterationRecord{Index: iteration, Response: callResult.Text}

		for _, code := range blocks {
			execID := uuid.NewString()
			r.enterBindingWindow(iteration, execID)
			r.seq.emit(time.Now(), EventReplExecStarted, "repl execution started", map[string]any{"replExecutionId": execID, "iteration": iteration})

			execStart := time.Now()
			execResult, err := worker.Exec(ctx, code)
			h.metrics.ReplExecDuration.Observe(time.Since(execStart).Seconds())
			r.leaveBindingWindow()

			if err != nil {
				return CompletionResult{}, FinalDirective{}, err
			}
			execResult.Stdout = truncate(execResult.Stdout, r.cfg.MaxExecutionOutputChars)
			execResult.Stderr = truncate(execResult.Stderr, r.cfg.MaxExecutionOutputChars)

			r.seq.emit(time.Now(), EventReplExecCompleted, "repl execution completed", map[string]any{"replExecutionId": execID, "iteration": iteration})
			record.Executions = append(record.Executions, ExecutedBlock{ID: execID, Code: code, Result: execResult})

			messages = append(messages, Message{Role: RoleUser, Content: renderExecResultMessage(code, execResult)})
		}

		r.trace.addIteration(record)
		r.seq.emit(time.Now(), EventRootIterationCompleted, fmt.Sprintf("iteration %d completed", iteration), map[string]any{
			"iteration":    iteration,
			"codeBlocks":   len(blocks),
			"responseChars": len(callResult.Text),
			"latencyMs":    latencyMs,
		})
	}

	state = stateFinalizing
	h.logger.Debug(ctx, "iteration limit reached, falling back", "run_id", r.id)
	directive := FinalDirective{Kind: DirectiveFallbackText, Value: strings.TrimSpace(lastResponse)}
	if directive.Value == "" {
		return CompletionResult{}, directive, ErrIterationLimitNoFallback
	}
	r.seq.emit(time.Now(), EventRunFinalized, "run finalized", map[string]any{"kind": string(directive.Kind)})
	return CompletionResult{Answer: directive.Value, Iterations: r.cfg.IterationLimit, SubcallCount: r.subcallSnapshot()}, directive, nil
}

func (r *run) resolveDirective(ctx context.Context, worker *Worker, directive FinalDirective) (string, error) {
	switch directive.Kind {
	case DirectiveFinalVar:
		value, found, err := worker.FinalVar(ctx, directive.Value)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("rlm: FINAL_VAR(%s) refers to an unbound name", directive.Value)
		}
		return value, nil
	default:
		return directive.Value, nil
	}
}

func (r *run) enterBindingWindow(iterationIndex int, execID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeIteration = iterationIndex
	r.activeExecID = execID
	r.inBindingWindow = true
}

func (r *run) leaveBindingWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inBindingWindow = false
}

// currentBinding implements BindingFunc for this run's Bridge: it is only
// meaningful while inBindingWindow is true (spec §8 property 3).
func (r *run) currentBinding() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.inBindingWindow {
		return 0, ""
	}
	return r.activeIteration, r.activeExecID
}

// handleSingleSubcall implements SubcallFunc for the Bridge's /llm_query
// endpoint: one prompt, not part of a batch.
func (r *run) handleSingleSubcall(ctx context.Context, iterationIndex int, replExecutionID string, model, prompt string) (string, error) {
	return r.handleSubcall(ctx, iterationIndex, replExecutionID, model, prompt, SubcallSingle, 0)
}

// handleBatchSubcall implements BatchSubcallFunc for the Bridge's
// /llm_query_batched endpoint: each prompt is assigned its own id and its
// own budget check in order (spec §4.8), wrapped in a batch_started/
// batch_completed event pair.
func (r *run) handleBatchSubcall(ctx context.Context, iterationIndex int, replExecutionID, model string, prompts []string) []string {
	r.seq.emit(time.Now(), EventSubcallBatchStarted, "subcall batch started", map[string]any{"size": len(prompts), "model": model})

	responses := make([]string, len(prompts))
	for i, prompt := range prompts {
		resp, err := r.handleSubcall(ctx, iterationIndex, replExecutionID, model, prompt, SubcallBatched, i)
		if err != nil {
			responses[i] = "Error: " + err.Error()
			continue
		}
		responses[i] = resp
	}

	r.seq.emit(time.Now(), EventSubcallBatchCompleted, "subcall batch completed", map[string]any{"size": len(prompts)})
	return responses
}

// handleSubcall implements one subcall's accounting and LM invocation,
// shared by the single and batched Bridge paths. It is invoked from the
// Bridge's HTTP handler goroutine, concurrently with the main iteration
// loop, and must itself increment r.subcallCount under mu (spec §8
// property 1: "subcallCount <= subcallLimit with rejection beyond limit").
func (r *run) handleSubcall(ctx context.Context, iterationIndex int, replExecutionID string, model, prompt string, kind SubcallKind, batchIndex int) (string, error) {
	r.mu.Lock()
	if r.subcallCount >= r.cfg.SubcallLimit {
		r.mu.Unlock()
		r.h.metrics.SubcallsRejectedTotal.Inc()
		r.seq.emit(time.Now(), EventSubcallRejected, "subcall rejected: limit reached", map[string]any{"limit": r.cfg.SubcallLimit, "iterationIndex": iterationIndex, "replExecutionId": replExecutionID})
		r.trace.addRejectedSubcall()
		return "", fmt.Errorf("sub-call limit reached (%d)", r.cfg.SubcallLimit)
	}
	r.subcallCount++
	r.mu.Unlock()

	subID := uuid.NewString()
	r.h.metrics.SubcallsTotal.Inc()
	r.seq.emit(time.Now(), EventSubcallStarted, "subcall started", map[string]any{"subcallId": subID, "iterationIndex": iterationIndex, "replExecutionId": replExecutionID, "model": model})

	subModel := model
	if subModel == "" {
		subModel = r.cfg.SubModel
	}
	client, err := r.h.resolveClient(subModel)
	if err != nil {
		return "", err
	}

	start := time.Now()
	deadline := time.Now().Add(r.cfg.RequestTimeout)
	result, err := client.Call(ctx, subModel, []Message{{Role: RoleUser, Content: prompt}}, deadline)
	latency := time.Since(start).Milliseconds()

	var idxPtr *int
	var execPtr *string
	if replExecutionID != "" {
		idxPtr = &iterationIndex
		execPtr = &replExecutionID
	}

	rec := SubcallRecord{
		ID:              subID,
		IterationIndex:  idxPtr,
		ReplExecutionID: execPtr,
		Kind:            kind,
		BatchIndex:      batchIndex,
		Model:           subModel,
		Prompt:          r.cfg.Redaction.RedactPrompt(prompt).Text,
		LatencyMs:       latency,
	}
	if err != nil {
		wrapped := fmt.Errorf("LM query failed - %s", err.Error())
		rec.Err = wrapped.Error()
		r.trace.addSubcall(rec)
		r.seq.emit(time.Now(), EventSubcallFailed, "subcall failed", map[string]any{"subcallId": subID, "iterationIndex": iterationIndex, "replExecutionId": replExecutionID, "model": model, "error": wrapped.Error()})
		return "", wrapped
	}
	rec.Response = r.cfg.Redaction.RedactPrompt(result.Text).Text
	r.trace.addSubcall(rec)
	r.seq.emit(time.Now(), EventSubcallCompleted, "subcall completed", map[string]any{"subcallId": subID, "iterationIndex": iterationIndex, "replExecutionId": replExecutionID, "model": model})
	return result.Text, nil
}

func (r *run) subcallSnapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subcallCount
}

func summarizeContext(c Context) ContextMetadata {
	meta := ContextMetadata{Type: c.Kind}
	switch c.Kind {
	case ContextKindString:
		meta.TotalChars = len(c.String)
		meta.ItemCount = 1
		meta.HeadPreview = truncate(c.String, 200)
	case ContextKindSequence:
		meta.ItemCount = len(c.Sequence)
		meta.Compacted = meta.ItemCount > maxUncompactedItems
		total := 0
		for _, item := range c.Sequence {
			s := fmt.Sprintf("%v", item)
			total += len(s)
			if !meta.Compacted {
				meta.ItemLengths = append(meta.ItemLengths, len(s))
			}
		}
		meta.TotalChars = total
		if len(c.Sequence) > 0 {
			meta.HeadPreview = truncate(fmt.Sprintf("%v", c.Sequence[0]), 200)
		}
	case ContextKindMapping:
		meta.ItemCount = len(c.Mapping)
		meta.Compacted = meta.ItemCount > maxUncompactedItems
		total := 0
		for _, v := range c.Mapping {
			s := fmt.Sprintf("%v", v)
			total += len(s)
			if !meta.Compacted {
				meta.ItemLengths = append(meta.ItemLengths, len(s))
			}
		}
		meta.TotalChars = total
	}
	return meta
}

func systemPrompt() string {
	return "You are the root reasoning model of a recursive language model harness. " +
		"You may emit ```repl fenced code blocks to run code in a persistent interpreter " +
		"that holds the task context, or call llm_query/llm_query_batched from within that " +
		"code to recurse into sub-questions. When you have the final answer, emit a line " +
		"starting with FINAL(<answer>) or FINAL_VAR(<variable name>) at the start of a line."
}

func buildInitialUserMessage(req CompletionRequest, meta ContextMetadata) string {
	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(req.Question)
	sb.WriteString("\n\nContext summary:\n")
	fmt.Fprintf(&sb, "  type: %s\n  totalChars: %d\n  itemCount: %d\n", meta.Type, meta.TotalChars, meta.ItemCount)
	if meta.HeadPreview != "" {
		sb.WriteString("  preview: ")
		sb.WriteString(meta.HeadPreview)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildInitParams converts a CompletionRequest's context into the wire
// fields the Worker's "init" command expects (spec §4.3): exactly one of
// Context or ContextFilePath is set, matching "either inline value or by
// reading the named file".
func buildInitParams(req CompletionRequest, bridgeAddr, bridgeToken string) WorkerInitParams {
	params := WorkerInitParams{
		BridgeURL:   "http://" + bridgeAddr,
		BridgeToken: bridgeToken,
		Question:    req.Question,
	}
	if req.ContextFilePath != "" {
		params.ContextFilePath = req.ContextFilePath
		return params
	}
	switch req.Context.Kind {
	case ContextKindString:
		params.Context = req.Context.String
	case ContextKindSequence:
		params.Context = req.Context.Sequence
	case ContextKindMapping:
		params.Context = req.Context.Mapping
	}
	return params
}

// renderExecResultMessage formats one REPL execution outcome into the
// user-turn message shape the root LM expects, per spec §4.8's exact
// template.
func renderExecResultMessage(code string, result ReplExecutionResult) string {
	var sb strings.Builder
	sb.WriteString("Code executed:\n```python\n")
	sb.WriteString(code)
	sb.WriteString("\n```\n\nREPL output:\nSTDOUT:\n")
	sb.WriteString(result.Stdout)
	sb.WriteString("\n\nSTDERR:\n")
	sb.WriteString(result.Stderr)
	sb.WriteString("\n\nVariables now available: ")
	if len(result.Locals) == 0 {
		sb.WriteString(`"(none)"`)
	} else {
		names := make([]string, 0, len(result.Locals))
		for name := range result.Locals {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString(strings.Join(names, ", "))
	}
	return sb.String()
}
