package logging

import (
	"strings"

	"go.uber.org/zap"
)

// RedactedValue replaces sensitive values in emitted log fields.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are matched as substrings of lowercased field keys, so
// "accessToken", "api_key" and "Authorization" are all caught.
var sensitiveKeys = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"cookie",
	"jwt",
	"api_key",
	"apikey",
	"private_key",
	"credit_card",
	"ssn",
	"aadhar",
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Redact returns a copy of meta with sensitive values replaced, recursing
// through nested maps and slices. The input is never mutated, and
// Redact(Redact(x)) == Redact(x).
func Redact(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if isSensitiveKey(k) {
			out[k] = RedactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// Meta builds a zap field for free-form metadata with redaction applied.
// All handler and worker code logs loose metadata through this helper.
func Meta(meta map[string]any) zap.Field {
	return zap.Any("meta", Redact(meta))
}
