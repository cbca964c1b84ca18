package tools

import (
	"encoding/json"
	"strings"
)

const (
	redacted       = "[REDACTED]"
	maxStringShown = 200
)

var secretKeyParts = []string{"token", "secret", "password", "api_key", "apikey", "authorization", "credential"}

// RedactArguments decodes tool input for display in an approval prompt.
// Values under secret-looking keys are masked and long strings truncated.
// Input that is not a JSON object is returned under "input".
func RedactArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"input": truncate(string(raw))}
	}
	obj, ok := redactValue(v).(map[string]any)
	if !ok {
		return map[string]any{"input": redactValue(v)}
	}
	return obj
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSecretKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	case string:
		return truncate(val)
	default:
		return val
	}
}

func isSecretKey(k string) bool {
	lower := strings.ToLower(k)
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxStringShown {
		return s
	}
	return string(r[:maxStringShown]) + "…"
}
