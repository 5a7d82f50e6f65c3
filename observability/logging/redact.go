package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// keys that never carry credentials
var plainKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"error":     {},
	"op":        {},
	"source":    {},
	"feed":      {},
	"endpoint":  {},
	"job":       {},
}

// IsAllowlisted reports whether key may be logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := plainKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute for key whose value is redacted unless the key is
// allowlisted or the value is blank.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
