package rlm

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubcallFunc issues one recursive LM call on behalf of interpreter code.
// iterationIndex/replExecutionID describe the binding window the subcall
// occurred within (spec §8 property 3: these are only meaningful between a
// repl.execution.started and its matching .completed).
type SubcallFunc func(ctx context.Context, iterationIndex int, replExecutionID string, model, prompt string) (string, error)

// BatchSubcallFunc issues a batch of recursive LM calls on behalf of
// interpreter code (llm_query_batched), returning one response string per
// prompt in input order (spec §8: "order of responses matches order of
// prompts"). Per-prompt business failures are already formatted as
// "Error: ..." strings by the time they appear in the result — the Bridge
// never inspects or reformats them, matching the handler-delegates-to-the-
// Orchestrator's-subcall-path policy of spec §4.4.
type BatchSubcallFunc func(ctx context.Context, iterationIndex int, replExecutionID string, model string, prompts []string) []string

// Bridge is the loopback-only HTTP server that exposes llm_query and
// llm_query_batched to interpreter code. It is started on an
// ephemerally-chosen port and its lifecycle is owned entirely by the
// harness: one Listen/Serve/Shutdown per run (spec §4.5), grounded on the
// teacher's explicit net.Listen + http.Server{} + Serve(listener) pattern
// for a loopback control-plane host.
type Bridge struct {
	listener     net.Listener
	server       *http.Server
	subcall      SubcallFunc
	batchSubcall BatchSubcallFunc
	binding      BindingFunc
	signKey      []byte
	requireAuth  bool
}

// BridgeOptions configures a Bridge instance.
type BridgeOptions struct {
	BindAddr    string // e.g. "127.0.0.1:0"; port 0 picks an ephemeral port
	RequireAuth bool
	SignKey     []byte // HMAC key for bearer-token auth, when RequireAuth is true
}

type llmQueryRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type llmQueryBatchedRequest struct {
	Model   string   `json:"model"`
	Prompts []string `json:"prompts"`
}

type llmQueryResponse struct {
	Response string `json:"response"`
}

type llmQueryBatchedResponse struct {
	Responses []string `json:"responses"`
}

// BindingFunc reports the run's current binding window: the iteration
// index and REPL execution id a subcall arriving right now should be
// attributed to. The harness updates the value this returns under its own
// mutex as it enters and leaves each repl.execution.started/.completed
// pair (spec §8 property 3) — incoming Bridge requests have no way to
// carry that context themselves, since they originate from the Worker
// subprocess, not from harness-issued calls.
type BindingFunc func() (iterationIndex int, replExecutionID string)

// NewBridge constructs and starts listening, but does not yet Serve;
// callers get the bound address from Addr() before calling Serve so a
// fixed port (or the chosen ephemeral one) can be embedded into the
// interpreter's init payload before the Worker process needs it. When
// opts.RequireAuth is set and no SignKey is supplied, a random per-run key
// is generated so bearer-token auth is functional out of the box.
func NewBridge(opts BridgeOptions, subcall SubcallFunc, batchSubcall BatchSubcallFunc, binding BindingFunc) (*Bridge, error) {
	addr := opts.BindAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BridgeInfraError{Cause: err}
	}

	if binding == nil {
		binding = func() (int, string) { return 0, "" }
	}

	signKey := opts.SignKey
	if opts.RequireAuth && len(signKey) == 0 {
		signKey = make([]byte, 32)
		if _, err := rand.Read(signKey); err != nil {
			listener.Close()
			return nil, &BridgeInfraError{Cause: err}
		}
	}

	b := &Bridge{
		listener:     listener,
		subcall:      subcall,
		batchSubcall: batchSubcall,
		binding:      binding,
		signKey:      signKey,
		requireAuth:  opts.RequireAuth,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/llm_query", b.handleQuery)
	mux.HandleFunc("/llm_query_batched", b.handleQueryBatched)

	b.server = &http.Server{Handler: mux}
	return b, nil
}

// Addr returns the bound loopback address, including the resolved
// ephemeral port.
func (b *Bridge) Addr() string {
	return b.listener.Addr().String()
}

// Serve runs the HTTP server until Shutdown is called or the listener
// errors. Intended to run on its own goroutine for the run's duration.
func (b *Bridge) Serve() error {
	err := b.server.Serve(b.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, releasing the listener. Always
// called on every run exit path regardless of outcome (scoped resource
// release discipline, spec §4.5).
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}

// issueToken mints a short-lived bearer token the Worker embeds in its
// Bridge requests, when RequireAuth is enabled. The harness calls this once
// per run, right after the Bridge starts listening, and passes the result
// to the interpreter as the init command's bridge_token field.
func (b *Bridge) issueToken(runID string, ttl time.Duration) (string, error) {
	if !b.requireAuth {
		return "", nil
	}
	claims := jwt.MapClaims{
		"run": runID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(b.signKey)
}

func (b *Bridge) checkAuth(r *http.Request) bool {
	if !b.requireAuth {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	tokenStr := header[len(prefix):]
	_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return b.signKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil
}

// writeBusinessError serializes a business-level subcall failure as a
// 200-OK "Error: ..." response string, per spec §4.5: subcall failures
// never surface as HTTP 5xx so the interpreter's call site gets ordinary
// string data back and can branch on it in-language.
func writeBusinessError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusOK, llmQueryResponse{Response: "Error: " + err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (b *Bridge) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req llmQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBusinessError(w, err)
		return
	}

	idx, execID := b.binding()
	resp, err := b.subcall(r.Context(), idx, execID, req.Model, req.Prompt)
	if err != nil {
		writeBusinessError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, llmQueryResponse{Response: resp})
}

func (b *Bridge) handleQueryBatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !b.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req llmQueryBatchedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBusinessError(w, err)
		return
	}

	idx, execID := b.binding()
	responses := b.batchSubcall(r.Context(), idx, execID, req.Model, req.Prompts)
	writeJSON(w, http.StatusOK, llmQueryBatchedResponse{Responses: responses})
}
