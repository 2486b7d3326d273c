package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

// safeKeys may be logged verbatim by MaskField.
var safeKeys = map[string]struct{}{
	"method":    {},
	"kind":      {},
	"route":     {},
	"status":    {},
	"requestid": {},
	"item":      {},
	"storage":   {},
}

// MaskField redacts value unless key is known to be safe. Empty values pass
// through so that "not configured" remains visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, value)
	}
	if _, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskAuthorization keeps the scheme of an Authorization header and hides the
// credential, e.g. "Bearer [REDACTED]".
func MaskAuthorization(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, _, found := strings.Cut(trimmed, " ")
	if !found {
		return RedactedValue
	}
	return scheme + " " + RedactedValue
}
