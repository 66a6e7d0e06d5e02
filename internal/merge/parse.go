package merge

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/p-blackswan/buildmode/internal/artifact"
)

var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")

// Parsed is the outcome of extracting structured data from a complete reply.
// When OK is false Value is empty and Raw carries the text unchanged.
type Parsed struct {
	Value json.RawMessage
	Raw   string
	OK    bool
}

// maxSpanAttempts bounds how many opening brackets are tried before giving up.
const maxSpanAttempts = 32

// ParseResponse extracts a fenced code block if one holds valid JSON, else
// the first balanced bracket- or brace-delimited span that is valid JSON.
func ParseResponse(text string) Parsed {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if body != "" && json.Valid([]byte(body)) {
			return Parsed{Value: json.RawMessage(body), Raw: text, OK: true}
		}
		if span, ok := firstJSONSpan(body); ok {
			return Parsed{Value: span, Raw: text, OK: true}
		}
	}
	if span, ok := firstJSONSpan(text); ok {
		return Parsed{Value: span, Raw: text, OK: true}
	}
	return Parsed{Raw: text}
}

func firstJSONSpan(text string) (json.RawMessage, bool) {
	attempts := 0
	for i := 0; i < len(text) && attempts < maxSpanAttempts; i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		attempts++
		end := balancedEnd(text, i)
		if end < 0 {
			continue
		}
		span := []byte(text[i : end+1])
		if json.Valid(span) && isContainer(span) {
			return json.RawMessage(span), true
		}
	}
	return nil, false
}

func isContainer(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) < 2 {
		return false
	}
	// "[3]" style footnotes are valid JSON but not data.
	return b[0] == '{' || bytes.ContainsAny(b, "{\"")
}

// balancedEnd returns the index of the bracket closing text[start], honoring
// JSON string escapes, or -1 when the span never closes.
func balancedEnd(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return -1
			}
			open := stack[len(stack)-1]
			if (open == '{') != (c == '}') {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// extractItems pulls the items for kind out of a parsed value. An object is
// searched for the plural key; a bare array is used as is.
func extractItems(value json.RawMessage, kind artifact.Kind) []json.RawMessage {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil
	}
	if value[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil {
			return nil
		}
		return items
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return nil
	}
	if raw, ok := obj[kind.Plural()]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err == nil {
			return items
		}
	}
	return nil
}
