package core

import "strings"

const RedactedValue = "[REDACTED]"

// RedactFields returns a copy of fields with credential-like keys masked.
// Nested maps and slices are walked.
func RedactFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	return redactMap(fields)
}

func redactMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactValue(value)
	}
	return target
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactValue(typed[i])
		}
		return out
	default:
		return value
	}
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	for _, token := range []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"credential",
		"signature",
		"payload",
	} {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

// isTraceabilityKey lists keys that look sensitive but identify events.
func isTraceabilityKey(key string) bool {
	switch key {
	case "signature_valid",
		"delivery_id",
		"event_id",
		"run_ref",
		"pipeline",
		"idempotency_key":
		return true
	default:
		return false
	}
}
