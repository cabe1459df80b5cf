package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskDID shortens a decentralized identifier for log output so operators can
// correlate events without the full opaque identity string leaking into logs.
func MaskDID(did string) string {
	trimmed := strings.TrimSpace(did)
	if len(trimmed) <= 12 {
		return MaskValue(trimmed)
	}
	return trimmed[:8] + "..." + trimmed[len(trimmed)-4:]
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskedField returns a slog.Attr carrying the masked form of a DID-like
// value, preserving the original key casing for readability.
func MaskedField(key, value string) slog.Attr {
	return slog.String(key, MaskDID(value))
}
