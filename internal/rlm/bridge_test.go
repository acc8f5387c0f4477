package rlm

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func startTestBridge(t *testing.T, subcall SubcallFunc) *Bridge {
	t.Helper()
	batchSubcall := func(ctx context.Context, idx int, execID, model string, prompts []string) []string {
		out := make([]string, len(prompts))
		for i, p := range prompts {
			resp, err := subcall(ctx, idx, execID, model, p)
			if err != nil {
				out[i] = "Error: " + err.Error()
				continue
			}
			out[i] = resp
		}
		return out
	}
	b, err := NewBridge(BridgeOptions{BindAddr: "127.0.0.1:0"}, subcall, batchSubcall, nil)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	go b.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestBridgeLlmQuerySuccess(t *testing.T) {
	b := startTestBridge(t, func(ctx context.Context, idx int, execID, model, prompt string) (string, error) {
		return "echo:" + prompt, nil
	})

	resp := postJSON(t, "http://"+b.Addr()+"/llm_query", llmQueryRequest{Model: "m", Prompt: "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var out llmQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response != "echo:hi" {
		t.Errorf("got %q, want echo:hi", out.Response)
	}
}

func TestBridgeLlmQueryBusinessErrorIsNot5xx(t *testing.T) {
	b := startTestBridge(t, func(ctx context.Context, idx int, execID, model, prompt string) (string, error) {
		return "", errBoom
	})

	resp := postJSON(t, "http://"+b.Addr()+"/llm_query", llmQueryRequest{Model: "m", Prompt: "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200 (business errors never 5xx)", resp.StatusCode)
	}
	var out llmQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response[:7] != "Error: " {
		t.Errorf("got %q, want it to start with 'Error: '", out.Response)
	}
}

func TestBridgeLlmQueryBatched(t *testing.T) {
	b := startTestBridge(t, func(ctx context.Context, idx int, execID, model, prompt string) (string, error) {
		return "echo:" + prompt, nil
	})

	resp := postJSON(t, "http://"+b.Addr()+"/llm_query_batched", llmQueryBatchedRequest{Model: "m", Prompts: []string{"a", "b"}})
	defer resp.Body.Close()
	var out llmQueryBatchedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Responses) != 2 || out.Responses[0] != "echo:a" || out.Responses[1] != "echo:b" {
		t.Errorf("got %v, want [echo:a echo:b]", out.Responses)
	}
}

func TestBridgeMethodNotAllowed(t *testing.T) {
	b := startTestBridge(t, func(ctx context.Context, idx int, execID, model, prompt string) (string, error) {
		return "", nil
	})

	resp, err := http.Get("http://" + b.Addr() + "/llm_query")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("got status %d, want 405", resp.StatusCode)
	}
}

func TestBridgeBindingFuncReflectsActiveWindow(t *testing.T) {
	var gotIdx int
	var gotExecID string
	binding := func() (int, string) { return 7, "exec-7" }

	subcall := func(ctx context.Context, idx int, execID, model, prompt string) (string, error) {
		gotIdx, gotExecID = idx, execID
		return "ok", nil
	}
	b, err := NewBridge(BridgeOptions{BindAddr: "127.0.0.1:0"}, subcall, func(ctx context.Context, idx int, execID, model string, prompts []string) []string {
		out := make([]string, len(prompts))
		for i, p := range prompts {
			resp, _ := subcall(ctx, idx, execID, model, p)
			out[i] = resp
		}
		return out
	}, binding)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	go b.Serve()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	}()

	resp := postJSON(t, "http://"+b.Addr()+"/llm_query", llmQueryRequest{Model: "m", Prompt: "x"})
	resp.Body.Close()

	if gotIdx != 7 || gotExecID != "exec-7" {
		t.Errorf("got (%d, %q), want (7, exec-7)", gotIdx, gotExecID)
	}
}

var errBoom = &LMCallError{Kind: LMCallTransport, Detail: "boom"}
