package aicall

import (
	"encoding/json"
	"strings"
)

// ExtractJSON scans raw model output for the first balanced {...} or [...]
// span and attempts to parse it. Models routinely wrap JSON in prose or
// code fences; this keeps that handling in one tested place instead of
// regex-and-hope at each call site.
//
// Returns (nil, false) when no parseable span exists; it never panics or
// returns an error, so callers can apply their own fallback policy.
func ExtractJSON(raw string) (any, bool) {
	raw = stripCodeFences(raw)

	start := -1
	for i, r := range raw {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, false
	}

	span := balancedSpan(raw[start:])
	if span == "" {
		return nil, false
	}

	var v any
	if err := json.Unmarshal([]byte(span), &v); err != nil {
		return nil, false
	}
	return v, true
}

// ExtractJSONObject is ExtractJSON narrowed to object results.
func ExtractJSONObject(raw string) (map[string]any, bool) {
	v, ok := ExtractJSON(raw)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// balancedSpan returns the prefix of s ending where the opening brace or
// bracket at s[0] closes, respecting JSON strings and escapes. Empty string
// when the span never closes.
func balancedSpan(s string) string {
	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// ignore structure inside strings
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// stripCodeFences removes markdown code fences so a fenced JSON block parses
// even when the fence language tag sits directly against the payload.
func stripCodeFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
