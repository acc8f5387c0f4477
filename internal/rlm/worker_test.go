package rlm

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

// fakeWorkerScript is a tiny shell program that speaks the worker's
// line-delimited JSON protocol: it echoes a canned {"ok":true} response for
// every line it reads, tagging the stdout field with a counter so tests can
// assert strict request/response ordering.
const fakeWorkerScript = `
i=0
while IFS= read -r line; do
  i=$((i+1))
  printf '{"ok":true,"stdout":"resp-%d"}\n' "$i"
done
`

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func startFakeWorker(t *testing.T) *Worker {
	t.Helper()
	requireSh(t)
	ctx := context.Background()
	w, err := StartWorker(ctx, []string{"sh", "-c", fakeWorkerScript}, nil)
	if err != nil {
		t.Fatalf("StartWorker: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Close(closeCtx)
	})
	return w
}

func TestWorkerExecFIFOOrdering(t *testing.T) {
	w := startFakeWorker(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		result, err := w.Exec(ctx, "noop")
		if err != nil {
			t.Fatalf("Exec %d: %v", i, err)
		}
		want := "resp-" + string(rune('0'+i))
		if result.Stdout != want {
			t.Errorf("Exec %d: got stdout %q, want %q", i, result.Stdout, want)
		}
	}
}

func TestWorkerCloseIsIdempotent(t *testing.T) {
	w := startFakeWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestWorkerExitedAfterClose(t *testing.T) {
	w := startFakeWorker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := w.Exec(context.Background(), "noop")
	if err == nil {
		t.Fatal("expected Exec after Close to fail")
	}
	if _, ok := err.(*WorkerExited); !ok {
		t.Errorf("got %T (%v), want *WorkerExited", err, err)
	}
}
