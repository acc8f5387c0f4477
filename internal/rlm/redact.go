package rlm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
)

// RedactionPolicy parameterizes the size-bounded head/tail truncation
// applied to text before it reaches a log line or trace record.
type RedactionPolicy struct {
	MaxPromptChars         int
	MaxContextPreviewChars int
	MaxReplOutputChars     int
	HeadChars              int
	TailChars              int
}

// DefaultRedactionPolicy mirrors the defaults carried in
// internal/config.DefaultConfig's Redaction block.
func DefaultRedactionPolicy() RedactionPolicy {
	return RedactionPolicy{
		MaxPromptChars:         8_000,
		MaxContextPreviewChars: 2_000,
		MaxReplOutputChars:     4_000,
		HeadChars:              2_000,
		TailChars:              500,
	}
}

func (p RedactionPolicy) sanitize() RedactionPolicy {
	d := DefaultRedactionPolicy()
	if p.MaxPromptChars <= 0 {
		p.MaxPromptChars = d.MaxPromptChars
	}
	if p.MaxContextPreviewChars <= 0 {
		p.MaxContextPreviewChars = d.MaxContextPreviewChars
	}
	if p.MaxReplOutputChars <= 0 {
		p.MaxReplOutputChars = d.MaxReplOutputChars
	}
	if p.HeadChars <= 0 {
		p.HeadChars = d.HeadChars
	}
	if p.TailChars <= 0 {
		p.TailChars = d.TailChars
	}
	return p
}

// RedactedText is the pairing of a possibly-redacted display string with
// the metadata describing whether (and how) redaction occurred.
type RedactedText struct {
	Text           string
	Redacted       bool
	OriginalLength int
	Digest         string
}

// redactMarkerRe recognizes the marker Redact appends, so redact(redact(x))
// == redact(x): a previously-redacted string carries a digest that will not
// match a re-computed digest of its own (now-shorter) text, so idempotence
// is enforced by pattern recognition rather than by digest comparison.
var redactMarkerRe = regexp.MustCompile(`\n\.\.\. \[redacted \d+ chars, sha256:[0-9a-f]{64}\] \.\.\.\n`)

// Redact applies head/tail truncation with a content digest: text passes
// through unchanged if its length is at most threshold; otherwise the
// result is head(headChars) + marker + tail(tailChars), where the marker
// embeds the count of omitted characters and the SHA-256 digest of the
// full original text.
func Redact(text string, threshold, headChars, tailChars int) RedactedText {
	if len(text) <= threshold {
		return RedactedText{Text: text}
	}
	if redactMarkerRe.MatchString(text) {
		return RedactedText{Text: text, Redacted: true, OriginalLength: len(text)}
	}

	sum := sha256.Sum256([]byte(text))
	digest := hex.EncodeToString(sum[:])

	head := text
	if headChars < len(head) {
		head = head[:headChars]
	}
	tail := ""
	if tailChars > 0 && tailChars < len(text) {
		tail = text[len(text)-tailChars:]
	}
	omitted := len(text) - len(head) - len(tail)
	if omitted < 0 {
		omitted = 0
	}

	marker := fmt.Sprintf("\n... [redacted %d chars, sha256:%s] ...\n", omitted, digest)
	return RedactedText{
		Text:           head + marker + tail,
		Redacted:       true,
		OriginalLength: len(text),
		Digest:         digest,
	}
}

// RedactPrompt applies the prompt threshold of policy.
func (p RedactionPolicy) RedactPrompt(text string) RedactedText {
	return Redact(text, p.MaxPromptChars, p.HeadChars, p.TailChars)
}

// RedactReplOutput applies the REPL-output threshold of policy.
func (p RedactionPolicy) RedactReplOutput(text string) RedactedText {
	return Redact(text, p.MaxReplOutputChars, p.HeadChars, p.TailChars)
}

// RedactContextPreview truncates head-only with a digest, per spec §4.7
// ("Context previews truncate head-only with a digest").
func (p RedactionPolicy) RedactContextPreview(text string) RedactedText {
	return Redact(text, p.MaxContextPreviewChars, p.MaxContextPreviewChars, 0)
}
