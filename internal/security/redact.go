package security

import "strings"

var sensitiveSubstrings = []string{
	"token",
	"password",
	"authorization",
	"apikey",
	"api_key",
	"access_key",
	"private_key",
	"credentials",
	"passwd",
	"secret",
	"signature",
	"hmac",
	"cookie",
	"session",
	"jwt",
	"bearer",
	"credential",
	"passphrase",
}

// RedactArguments returns a copy of arguments with sensitive values replaced.
// Keys listed in guarded are always redacted, compared case-insensitively.
// Nested objects are redacted recursively.
func RedactArguments(values map[string]any, guarded ...string) map[string]any {
	if values == nil {
		return nil
	}
	guardSet := make(map[string]struct{}, len(guarded))
	for _, key := range guarded {
		guardSet[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
	}
	return redact(values, guardSet)
}

func redact(values map[string]any, guarded map[string]struct{}) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if isSensitiveKey(key, guarded) {
			out[key] = "***"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = redact(nested, guarded)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string, guarded map[string]struct{}) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if _, ok := guarded[lower]; ok {
		return true
	}
	if strings.Contains(lower, "secret") && strings.Contains(lower, "name") {
		return false
	}
	for _, part := range sensitiveSubstrings {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
