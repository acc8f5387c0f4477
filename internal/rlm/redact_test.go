package rlm

import (
	"strings"
	"testing"
)

func TestRedactNoOpUnderThreshold(t *testing.T) {
	got := Redact("short text", 100, 50, 10)
	if got.Redacted {
		t.Errorf("expected no redaction, got %+v", got)
	}
	if got.Text != "short text" {
		t.Errorf("got %q, want unchanged", got.Text)
	}
}

func TestRedactProducesHeadMarkerTail(t *testing.T) {
	text := strings.Repeat("x", 50) + strings.Repeat("y", 1000) + strings.Repeat("z", 50)
	got := Redact(text, 100, 50, 50)
	if !got.Redacted {
		t.Fatal("expected redaction")
	}
	if !strings.HasPrefix(got.Text, strings.Repeat("x", 50)) {
		t.Errorf("expected text to start with head, got prefix %q", got.Text[:60])
	}
	if !strings.HasSuffix(got.Text, strings.Repeat("z", 50)) {
		t.Errorf("expected text to end with tail, got suffix %q", got.Text[len(got.Text)-60:])
	}
	if got.Digest == "" {
		t.Error("expected a digest")
	}
	if got.OriginalLength != len(text) {
		t.Errorf("got OriginalLength %d, want %d", got.OriginalLength, len(text))
	}
}

func TestRedactIdempotent(t *testing.T) {
	text := strings.Repeat("q", 1000)
	once := Redact(text, 100, 50, 50)
	twice := Redact(once.Text, 100, 50, 50)
	if once.Text != twice.Text {
		t.Errorf("redact is not idempotent:\nonce:  %q\ntwice: %q", once.Text, twice.Text)
	}
}

func TestRedactionPolicySanitizeFillsDefaults(t *testing.T) {
	p := RedactionPolicy{}.sanitize()
	d := DefaultRedactionPolicy()
	if p != d {
		t.Errorf("got %+v, want defaults %+v", p, d)
	}
}

func TestRedactContextPreviewHeadOnly(t *testing.T) {
	text := strings.Repeat("a", 5000)
	got := DefaultRedactionPolicy().RedactContextPreview(text)
	if !got.Redacted {
		t.Fatal("expected redaction")
	}
	if strings.HasSuffix(got.Text, strings.Repeat("a", 10)) || !strings.Contains(got.Text, "redacted") {
		t.Errorf("expected head-only truncation with marker, got %q", got.Text[len(got.Text)-40:])
	}
}
