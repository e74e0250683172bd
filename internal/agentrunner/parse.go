package agentrunner

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ParsedOutput is the result of running the layered parser against one raw
// LLM response.
type ParsedOutput struct {
	Fields       map[string]interface{}
	ChatMessage  string
	StructuredOK bool
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseStructuredOutput implements the spec's five-stage layered parser,
// tried in precedence order until one succeeds:
//
//  1. strict JSON
//  2. fenced ```json code block
//  3. first balanced-braces substring
//  4. named-field key-scan with escape handling
//  5. fallback: {chat_message: <full text>}, structured_ok=false
func ParseStructuredOutput(raw string) ParsedOutput {
	trimmed := strings.TrimSpace(raw)

	if fields, ok := tryStrictJSON(trimmed); ok {
		return ParsedOutput{Fields: fields, StructuredOK: true}
	}
	if fields, ok := tryFencedJSON(trimmed); ok {
		return ParsedOutput{Fields: fields, StructuredOK: true}
	}
	if fields, ok := tryBalancedBraces(trimmed); ok {
		return ParsedOutput{Fields: fields, StructuredOK: true}
	}
	if fields, ok := tryKeyScan(trimmed); ok {
		return ParsedOutput{Fields: fields, StructuredOK: true}
	}
	return ParsedOutput{ChatMessage: raw, StructuredOK: false}
}

func tryStrictJSON(s string) (map[string]interface{}, bool) {
	if !gjson.Valid(s) {
		return nil, false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, false
	}
	return fields, true
}

func tryFencedJSON(s string) (map[string]interface{}, bool) {
	m := fencedJSONPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return tryStrictJSON(strings.TrimSpace(m[1]))
}

// tryBalancedBraces scans for the first '{' and returns the substring up to
// its matching '}', tolerating nested braces and quoted strings.
func tryBalancedBraces(s string) (map[string]interface{}, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return tryStrictJSON(s[start : i+1])
			}
		}
	}
	return nil, false
}

var keyScanPattern = regexp.MustCompile(`"([a-zA-Z_][a-zA-Z0-9_]*)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// tryKeyScan extracts quoted "key": "value" pairs anywhere in the text,
// handling backslash-escaped quotes within values, without requiring the
// surrounding text to be valid JSON at all.
func tryKeyScan(s string) (map[string]interface{}, bool) {
	matches := keyScanPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil, false
	}
	fields := make(map[string]interface{}, len(matches))
	for _, m := range matches {
		key := m[1]
		value := strings.ReplaceAll(m[2], `\"`, `"`)
		fields[key] = value
	}
	return fields, true
}
