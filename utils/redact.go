package utils

import (
	"strings"
)

// RedactionMarker replaces secret values in audited payloads.
const RedactionMarker = "[REDACTED]"

var redactedKeys = []string{
	"apikey",
	"api_key",
	"authorization",
	"token",
	"access_token",
	"refresh_token",
}

// IsSecretKey reports whether a JSON key should have its value redacted
// before the payload is persisted. Matching is case-insensitive; any key
// containing "secret" also matches.
func IsSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, candidate := range redactedKeys {
		if k == candidate {
			return true
		}
	}
	return strings.Contains(k, "secret")
}

// RedactSecrets walks a generic decoded-JSON tree (maps, slices, scalars) and
// returns a copy with secret values replaced. The input is never mutated.
func RedactSecrets(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if IsSecretKey(k) {
				out[k] = RedactionMarker
				continue
			}
			out[k] = RedactSecrets(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = RedactSecrets(inner)
		}
		return out
	default:
		return v
	}
}
