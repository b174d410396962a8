package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that are safe to emit verbatim. Wager identifiers and amounts are
// public ledger data; credentials and signatures are not.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"component": {},
	"method":    {},
	"requestid": {},
	"remote":    {},
	"caller":    {},
	"id":        {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskBearer keeps the scheme of an Authorization header and hides the token.
func MaskBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return header
	}
	if scheme, _, ok := strings.Cut(header, " "); ok {
		return scheme + " " + RedactedValue
	}
	return RedactedValue
}
