package rlm

import (
	"strings"
	"testing"
)

func TestExtractReplCodeBlocksRoundTrip(t *testing.T) {
	blocks := []string{"print(1)", "x = 2\ny = x + 1"}
	text := renderReplCodeBlocks(blocks)
	got := extractReplCodeBlocks(text)
	if len(got) != len(blocks) {
		t.Fatalf("got %d blocks, want %d", len(got), len(blocks))
	}
	for i := range blocks {
		if got[i] != blocks[i] {
			t.Errorf("block %d: got %q, want %q", i, got[i], blocks[i])
		}
	}
}

func TestExtractReplCodeBlocksDiscardsEmpty(t *testing.T) {
	text := "```repl\n\n\n```\n```repl\nreal_code()\n```\n"
	got := extractReplCodeBlocks(text)
	if len(got) != 1 || got[0] != "real_code()" {
		t.Fatalf("got %v, want [real_code()]", got)
	}
}

func TestExtractReplCodeBlocksRequiresMatchingFenceLength(t *testing.T) {
	text := "````repl\ncode()\n```\nmore-text\n````\n"
	got := extractReplCodeBlocks(text)
	if len(got) != 1 {
		t.Fatalf("got %d blocks, want 1", len(got))
	}
	if !strings.Contains(got[0], "code()") {
		t.Errorf("got %q, want it to contain code()", got[0])
	}
}

func TestParseDirectivePrefersFinalVar(t *testing.T) {
	text := "some reasoning\nFINAL_VAR(answer)\nFINAL(ignored)\n"
	d, ok := parseDirective(text)
	if !ok {
		t.Fatal("expected a directive to be parsed")
	}
	if d.Kind != DirectiveFinalVar || d.Value != "answer" {
		t.Errorf("got %+v, want FinalVar(answer)", d)
	}
}

func TestParseDirectiveFinal(t *testing.T) {
	d, ok := parseDirective("reasoning text\nFINAL(42)\n")
	if !ok {
		t.Fatal("expected a directive to be parsed")
	}
	if d.Kind != DirectiveFinal || d.Value != "42" {
		t.Errorf("got %+v, want Final(42)", d)
	}
}

func TestParseDirectiveNone(t *testing.T) {
	_, ok := parseDirective("just some reasoning, no directive here")
	if ok {
		t.Fatal("expected no directive")
	}
}

func TestParseDirectiveFinalVarStripsQuotes(t *testing.T) {
	d, ok := parseDirective("FINAL_VAR(\"my_answer\")\n")
	if !ok {
		t.Fatal("expected a directive")
	}
	if d.Value != "my_answer" {
		t.Errorf("got %q, want my_answer", d.Value)
	}
}

func TestTruncateNoOpUnderLimit(t *testing.T) {
	got := truncate("short", 100)
	if got != "short" {
		t.Errorf("got %q, want unchanged", got)
	}
}

func TestTruncateIdempotent(t *testing.T) {
	long := strings.Repeat("a", 500)
	once := truncate(long, 100)
	twice := truncate(once, 100)
	if once != twice {
		t.Errorf("truncate is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestTruncateIdempotentAcrossDifferentMax(t *testing.T) {
	long := strings.Repeat("b", 500)
	once := truncate(long, 100)
	// A later call with a smaller max (still shorter than once's length,
	// so the naive length check alone would truncate again) must still
	// recognize the marker and leave the already-truncated text alone.
	twice := truncate(once, 50)
	if once != twice {
		t.Errorf("truncate is not idempotent across max values:\nonce:  %q\ntwice: %q", once, twice)
	}
}
