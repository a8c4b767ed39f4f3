// Package shared holds small cross-cutting helpers with no business-logic
// dependencies of their own, shared by the ambient stack (logging, config).
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event strings:
// session tokens, worker auth tokens, and bearer-style Authorization values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(session[_-]?token|auth[_-]?token|api[_-]?key|apikey|secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{12,})`),
}

// Redact replaces secret-bearing substrings in the input with a placeholder,
// keeping any key-name prefix so the redaction is still legible in logs.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns a redacted placeholder when the key name looks like
// it carries a secret (session tokens, auth tokens, credentials).
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"token", "api_key", "apikey", "secret", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
