package rlm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jeffmylife/rlm/internal/observability"
)

// fakeLMClient returns a scripted sequence of responses, one per call,
// repeating the last entry once exhausted.
type fakeLMClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeLMClient) Call(ctx context.Context, model string, input []Message, deadline time.Time) (CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return CallResult{Text: f.responses[idx]}, nil
}

func newTestHarness(t *testing.T, client LMClient, cfg RunConfig) *Harness {
	t.Helper()
	requireSh(t)
	h := &Harness{
		workerCommand: []string{"sh", "-c", fakeWorkerScript},
		config:        cfg.sanitize(),
		events:        NopEventSink{},
		logger:        observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		metrics:       noopMetrics(),
		bridgeOpts:    BridgeOptions{BindAddr: "127.0.0.1:0"},
	}
	h.resolveClient = func(model string) (LMClient, error) {
		return client, nil
	}
	return h
}

func TestCompleteTrivialFinalOnFirstTurn(t *testing.T) {
	client := &fakeLMClient{responses: []string{"reasoning\nFINAL(42)\n"}}
	h := newTestHarness(t, client, RunConfig{RootModel: "claude-test", IterationLimit: 16, SubcallLimit: 10, RequestTimeout: 5 * time.Second})

	result, err := h.Complete(context.Background(), CompletionRequest{Question: "what is 6*7"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Answer != "42" {
		t.Errorf("got answer %q, want 42", result.Answer)
	}
	if result.Iterations != 1 {
		t.Errorf("got iterations %d, want 1", result.Iterations)
	}
	if result.SubcallCount != 0 {
		t.Errorf("got subcallCount %d, want 0", result.SubcallCount)
	}
	if result.Trace == nil || result.Trace.Status != RunStatusSucceeded {
		t.Errorf("expected a succeeded trace, got %+v", result.Trace)
	}
}

// scenarioWorkerScript understands the three commands execute() issues
// during a one-exec-then-final_var run, keyed off the field that
// encoding/json always serializes first (the command name).
const scenarioWorkerScript = `
while IFS= read -r line; do
  case "$line" in
    *'"cmd":"init"'*)
      printf '{"ok":true}\n' ;;
    *'"cmd":"exec"'*)
      printf '{"ok":true,"stdout":"x is now 1","locals":{"x":"1"}}\n' ;;
    *'"cmd":"final_var"'*)
      printf '{"ok":true,"found":true,"value":"1"}\n' ;;
    *)
      printf '{"ok":true}\n' ;;
  esac
done
`

func TestCompleteOneReplExecThenFinalVar(t *testing.T) {
	requireSh(t)
	client := &fakeLMClient{responses: []string{
		"let me compute that\n```repl\nx = 1\n```\n",
		"FINAL_VAR(x)\n",
	}}
	h := &Harness{
		workerCommand: []string{"sh", "-c", scenarioWorkerScript},
		config:        RunConfig{RootModel: "claude-test", IterationLimit: 16, SubcallLimit: 10, RequestTimeout: 5 * time.Second}.sanitize(),
		events:        NopEventSink{},
		logger:        observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		metrics:       noopMetrics(),
		bridgeOpts:    BridgeOptions{BindAddr: "127.0.0.1:0"},
	}
	h.resolveClient = func(model string) (LMClient, error) {
		return client, nil
	}

	result, err := h.Complete(context.Background(), CompletionRequest{Question: "what is x"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Answer != "1" {
		t.Errorf("got answer %q, want 1 (resolved via FINAL_VAR from the worker's locals)", result.Answer)
	}
	if result.Iterations != 2 {
		t.Errorf("got iterations %d, want 2 (one exec turn, one final turn)", result.Iterations)
	}
	if result.Trace == nil || result.Trace.FinalDirective.Kind != DirectiveFinalVar {
		t.Fatalf("expected a final_var directive, got %+v", result.Trace)
	}
	var sawCompleted int
	for _, e := range result.Trace.Iterations {
		for _, blk := range e.Executions {
			if blk.Result.Stdout == "x is now 1" {
				sawCompleted++
			}
		}
	}
	if sawCompleted != 1 {
		t.Errorf("got %d executed blocks with the expected stdout, want 1", sawCompleted)
	}
}

func TestCompleteIterationLimitFallback(t *testing.T) {
	client := &fakeLMClient{responses: []string{"still thinking, no directive here"}}
	h := newTestHarness(t, client, RunConfig{RootModel: "claude-test", IterationLimit: 1, SubcallLimit: 10, RequestTimeout: 5 * time.Second})

	result, err := h.Complete(context.Background(), CompletionRequest{Question: "q"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.Trace.FinalDirective.Kind != DirectiveFallbackText {
		t.Errorf("got directive kind %v, want fallback_text", result.Trace.FinalDirective.Kind)
	}
	if result.Answer == "" {
		t.Error("expected a non-empty fallback answer")
	}
}

func TestHandleSubcallRejectsBeyondLimit(t *testing.T) {
	client := &fakeLMClient{responses: []string{"sub response"}}
	var traceMu sync.Mutex
	r := &run{
		cfg:   RunConfig{SubcallLimit: 1, SubModel: "claude-test", RequestTimeout: 5 * time.Second}.sanitize(),
		seq:   newEventSequencer(NopEventSink{}),
		trace: newTraceBuilder("test-run", time.Now(), DefaultRunConfig(), ContextMetadata{}, &traceMu),
		h: &Harness{
			metrics: noopMetrics(),
		},
	}
	r.cfg.SubcallLimit = 1
	r.h.resolveClient = func(model string) (LMClient, error) {
		return client, nil
	}

	idx := 0
	execID := "exec-1"
	_, err1 := r.handleSubcall(context.Background(), idx, execID, "claude-test", "first", SubcallSingle, 0)
	if err1 != nil {
		t.Fatalf("first subcall: unexpected error %v", err1)
	}
	_, err2 := r.handleSubcall(context.Background(), idx, execID, "claude-test", "second", SubcallSingle, 0)
	if err2 == nil {
		t.Fatal("expected the second subcall to be rejected")
	}
	if err2.Error() != "sub-call limit reached (1)" {
		t.Errorf("got error %q, want exact spec wording", err2.Error())
	}
	if r.subcallSnapshot() != 1 {
		t.Errorf("got subcallCount %d, want 1 (rejection must not increment)", r.subcallSnapshot())
	}
}
