package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys are attribute keys whose values never reach a log sink, no
// matter which package logs them.
var sensitiveKeys = map[string]struct{}{
	"api_token":     {},
	"authorization": {},
	"x-api-token":   {},
	"secret":        {},
	"password":      {},
	"headers":       {},
}

// IsSensitive reports whether values logged under key are redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// redact masks a sensitive attribute. Empty values pass through so a missing
// credential still shows up as missing.
func redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}

// Fingerprint shortens a credential to its last four characters so operators
// can tell tokens apart in logs.
func Fingerprint(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 4 {
		return RedactedValue
	}
	return "..." + secret[len(secret)-4:]
}
