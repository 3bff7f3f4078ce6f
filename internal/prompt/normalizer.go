// Package prompt sanitizes prompts before they enter the task queue.
// Plain-text prompts get stripped of unsafe characters and collapsed
// whitespace; JSON prompts are validated and re-serialized compactly.
package prompt

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

const allowedPunctuation = ".,;:!?'\"-—–()[]{}/@#&*+=<>…"

var (
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
	multiSpace    = regexp.MustCompile(`[^\S\n]+`)
)

// IsJSONPrompt reports whether text looks like a JSON object or array,
// tolerating trailing commas.
func IsJSONPrompt(text string) bool {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return false
	}
	first, last := stripped[0], stripped[len(stripped)-1]
	if !((first == '{' && last == '}') || (first == '[' && last == ']')) {
		return false
	}
	if json.Valid([]byte(stripped)) {
		return true
	}
	fixed := trailingComma.ReplaceAllString(stripped, "$1")
	return json.Valid([]byte(fixed))
}

// NormalizeJSON parses and re-serializes a JSON prompt, repairing trailing
// commas and a leading BOM. Unfixable input is returned trimmed as-is.
func NormalizeJSON(text string) string {
	stripped := strings.TrimSpace(text)
	if out, ok := reserialize(stripped); ok {
		return out
	}
	fixed := trailingComma.ReplaceAllString(stripped, "$1")
	fixed = strings.TrimPrefix(fixed, "\uFEFF")
	if out, ok := reserialize(fixed); ok {
		return out
	}
	log.Warn().Msg("cannot repair json prompt, keeping as-is")
	return stripped
}

func reserialize(s string) (string, bool) {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return "", false
	}
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(parsed); err != nil {
		return "", false
	}
	return strings.TrimSuffix(sb.String(), "\n"), true
}

// NormalizePlain strips unsafe characters, keeping Unicode letters and
// numbers so prompts in any script survive, and collapses runs of spaces
// while preserving line breaks.
func NormalizePlain(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, ch := range text {
		if isSafeChar(ch) {
			sb.WriteRune(ch)
		}
	}
	result := multiSpace.ReplaceAllString(sb.String(), " ")
	lines := strings.Split(result, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isSafeChar(ch rune) bool {
	if ch < 128 {
		return unicode.IsLetter(ch) || unicode.IsDigit(ch) || unicode.IsSpace(ch) ||
			strings.ContainsRune(allowedPunctuation, ch)
	}
	return unicode.IsLetter(ch) || unicode.IsNumber(ch) || unicode.Is(unicode.Zs, ch)
}

// Normalize auto-detects the prompt kind and applies the matching pass.
func Normalize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if IsJSONPrompt(text) {
		return NormalizeJSON(text)
	}
	return NormalizePlain(text)
}
