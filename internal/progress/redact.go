package progress

import (
	"regexp"
	"unicode/utf8"
)

// sensitiveKeys matches parameter names whose values must never reach
// the event stream.
var sensitiveKeys = regexp.MustCompile(`(?i)(password|token|api_?key|secret|auth)`)

// maxParamStringLen bounds string parameter values in tool_start
// events.
const maxParamStringLen = 100

// RedactParams returns a copy of params safe for the event stream:
// sensitive keys replaced, long strings truncated, arrays summarized
// as counts, nested maps redacted recursively.
func RedactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeys.MatchString(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case string:
		if len(val) > maxParamStringLen {
			return truncateRunes(val, maxParamStringLen) + "…"
		}
		return val
	case []any:
		return map[string]any{"count": len(val)}
	case map[string]any:
		return RedactParams(val)
	default:
		return v
	}
}

// truncateRunes cuts s to at most max bytes without splitting a
// multi-byte rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SummarizeResult reduces a tool result to boolean/count fields. Raw
// payloads never appear in tool_end events.
func SummarizeResult(result string) map[string]any {
	return map[string]any{
		"length": len(result),
		"empty":  result == "",
	}
}
