package helper

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls a single JSON object out of raw helper stdout. The helper
// may interleave human-readable log lines with a trailing JSON object, so if
// a direct parse fails the substring between the last '{' and the last '}'
// is tried. Nested-brace balancing is intentionally not attempted: when the
// outer span does not parse, the text is reported as containing no object.
func ExtractJSON(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if obj, ok := parseObject(trimmed); ok {
		return obj, true
	}

	open := strings.LastIndex(trimmed, "{")
	close := strings.LastIndex(trimmed, "}")
	if open == -1 || close == -1 || close < open {
		return nil, false
	}
	return parseObject(trimmed[open : close+1])
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}
