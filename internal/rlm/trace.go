package rlm

import (
	"time"
)

// RunStatus is the terminal outcome recorded in a Trace.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Trace is the structured, post-hoc record of one completed or failed run,
// delivered exactly once regardless of outcome (spec §6: "the Trace
// Collector ... delivers exactly once per run"). It is built incrementally
// by the harness as the run progresses and finalized at the single exit
// point in completion().
type Trace struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Status    RunStatus `json:"status"`
	Err       string    `json:"error,omitempty"`

	Config          RunConfig       `json:"-"`
	ConfigSnapshot  ConfigSnapshot  `json:"config"`
	ContextMetadata ContextMetadata `json:"contextMetadata"`

	Iterations []IterationRecord `json:"iterations"`
	Subcalls   []SubcallRecord   `json:"subcalls"`

	FinalDirective  FinalDirective `json:"finalDirective"`
	SubcallCount    int            `json:"subcallCount"`
	SubcallRejected int            `json:"subcallRejected"`
}

// ConfigSnapshot is the redaction-safe projection of RunConfig recorded
// into a Trace: no secrets ever flow into RunConfig itself, but the field
// is kept separate from RunConfig so the JSON shape is stable even if
// RunConfig grows fields that shouldn't be traced.
type ConfigSnapshot struct {
	RootModel               string        `json:"rootModel"`
	SubModel                string        `json:"subModel"`
	IterationLimit          int           `json:"iterationLimit"`
	SubcallLimit            int           `json:"subcallLimit"`
	RequestTimeout          time.Duration `json:"requestTimeoutMs"`
	MaxExecutionOutputChars int           `json:"maxExecutionOutputChars"`
}

func snapshotConfig(cfg RunConfig) ConfigSnapshot {
	return ConfigSnapshot{
		RootModel:               cfg.RootModel,
		SubModel:                cfg.SubModel,
		IterationLimit:          cfg.IterationLimit,
		SubcallLimit:            cfg.SubcallLimit,
		RequestTimeout:          cfg.RequestTimeout / time.Millisecond,
		MaxExecutionOutputChars: cfg.MaxExecutionOutputChars,
	}
}

// traceBuilder accumulates a Trace across a run under a single mutex,
// mirroring the event sequencer's locking discipline since both are
// written to from the main iteration loop and from concurrent Bridge
// subcall handlers.
type traceBuilder struct {
	mu    syncLocker
	trace *Trace
}

// syncLocker is the minimal mutex surface traceBuilder needs; the harness
// passes a *sync.Mutex. events.go's eventSequencer uses its own sync.Mutex
// and does not go through this interface.
type syncLocker interface {
	Lock()
	Unlock()
}

func newTraceBuilder(runID string, startedAt time.Time, cfg RunConfig, ctxMeta ContextMetadata, mu syncLocker) *traceBuilder {
	return &traceBuilder{
		mu: mu,
		trace: &Trace{
			RunID:           runID,
			StartedAt:       startedAt,
			Config:          cfg,
			ConfigSnapshot:  snapshotConfig(cfg),
			ContextMetadata: ctxMeta,
		},
	}
}

func (b *traceBuilder) addIteration(rec IterationRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Iterations = append(b.trace.Iterations, rec)
}

func (b *traceBuilder) addSubcall(rec SubcallRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.Subcalls = append(b.trace.Subcalls, rec)
	b.trace.SubcallCount++
}

func (b *traceBuilder) addRejectedSubcall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.SubcallRejected++
}

// finalize stamps the terminal fields and returns the completed Trace.
// Called exactly once, at completion()'s single exit point.
func (b *traceBuilder) finalize(endedAt time.Time, status RunStatus, err error, directive FinalDirective) *Trace {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace.EndedAt = endedAt
	b.trace.Status = status
	if err != nil {
		b.trace.Err = err.Error()
	}
	b.trace.FinalDirective = directive
	return b.trace
}
