package rlm

import (
	"fmt"
	"regexp"
	"strings"
)

// replFenceOpen matches a fenced-block opening line introducing a "repl"
// tagged block, e.g. "```repl". The fence itself may use any number of
// backticks >= 3, matching common Markdown fence conventions.
var replFenceOpen = regexp.MustCompile("(?m)^(`{3,})repl[ \\t]*$")

// extractReplCodeBlocks returns, in document order, the trimmed bodies of
// every non-empty fenced block introduced by a literal "```repl" opening
// line and terminated by a bare closing fence of the same length. Empty
// bodies (after trimming surrounding blank lines) are discarded.
func extractReplCodeBlocks(text string) []string {
	var blocks []string

	locs := replFenceOpen.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range locs {
		openEnd := loc[1]
		fence := text[loc[2]:loc[3]]

		closeRe := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(fence) + `[ \t]*$`)
		rest := text[openEnd:]
		closeLoc := closeRe.FindStringIndex(rest)
		if closeLoc == nil {
			continue
		}

		body := rest[:closeLoc[0]]
		body = trimBlankLines(body)
		if body == "" {
			continue
		}
		blocks = append(blocks, body)
	}
	return blocks
}

// renderReplCodeBlocks is the inverse of extractReplCodeBlocks, used only
// in round-trip tests: it re-fences each block body so extraction recovers
// the original bodies exactly.
func renderReplCodeBlocks(blocks []string) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString("```repl\n")
		sb.WriteString(b)
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func trimBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// finalVarRe matches FINAL_VAR(<name>) anchored at the start of a
// non-blank line, case-sensitive.
var finalVarRe = regexp.MustCompile(`(?m)^FINAL_VAR\(([^)]*)\)[ \t]*$`)

// finalRe matches FINAL(<answer>) anchored at the start of a non-blank
// line, extending to the closing paren at end of line.
var finalRe = regexp.MustCompile(`(?m)^FINAL\((.*)\)[ \t]*$`)

// parseDirective implements spec §4.2's directive parser: FINAL_VAR is
// preferred over FINAL when both match at line starts (spec invariant,
// §8 property 5); an absent directive is not an error, it drives the
// fallback path (§4.8).
func parseDirective(text string) (FinalDirective, bool) {
	if m := finalVarRe.FindStringSubmatch(text); m != nil {
		return FinalDirective{Kind: DirectiveFinalVar, Value: stripQuotes(strings.TrimSpace(m[1]))}, true
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		return FinalDirective{Kind: DirectiveFinal, Value: m[1]}, true
	}
	return FinalDirective{}, false
}

// stripQuotes removes a single matching pair of surrounding single or
// double quotes from s, if present.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// truncateMarkerRe recognizes the marker truncate appends, so a
// previously-truncated string is never truncated a second time.
var truncateMarkerRe = regexp.MustCompile(`\n\.\.\. \[truncated \d+ chars\]$`)

// truncate returns text unchanged if its length is at most max; otherwise
// it returns the head of text followed by a marker noting the number of
// omitted characters. Idempotent: truncate(truncate(text, max), max) ==
// truncate(text, max) — a string already carrying the truncation marker is
// recognized and passed through rather than truncated again.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	if truncateMarkerRe.MatchString(text) {
		return text
	}
	omitted := len(text) - max
	return fmt.Sprintf("%s\n... [truncated %d chars]", text[:max], omitted)
}
