package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// sensitiveKeys holds normalised attribute keys whose values never reach a
// log sink: event signatures, admin and webhook credentials, signer material
// and signed transactions.
var sensitiveKeys = map[string]struct{}{
	"signature":         {},
	"authorization":     {},
	"token":             {},
	"bearer":            {},
	"jwtsecret":         {},
	"hmacsecret":        {},
	"webhooksecret":     {},
	"secret":            {},
	"signerkey":         {},
	"privatekey":        {},
	"passphrase":        {},
	"password":          {},
	"rawtx":             {},
	"xadchainsignature": {},
}

// normaliseKey folds case and drops separators so signer_key, signerKey and
// signer-key match the same entry.
func normaliseKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch r {
		case '_', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalised := normaliseKey(key)
	if _, ok := sensitiveKeys[normalised]; ok {
		return true
	}
	return strings.HasSuffix(normalised, "secret") || strings.HasSuffix(normalised, "passphrase")
}

// SensitiveKeys returns the sorted normalised key set.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the placeholder for non-blank values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// Redact masks attr when its key is sensitive. Setup installs it on every
// handler so call sites cannot leak a secret by naming it plainly.
func Redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) || attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
