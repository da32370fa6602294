package logging

import "regexp"

var (
	secretKVPattern     = regexp.MustCompile(`(?i)\b(password|passwd|token|api[_-]?key|secret)\s*=\s*([^\s&]+)`)
	secretBearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+\\-/]+=*`)
)

// redactSecrets masks credentials in key=value pairs and bearer tokens.
func redactSecrets(input string) string {
	if input == "" {
		return input
	}
	redacted := secretKVPattern.ReplaceAllString(input, `$1=<redacted>`)
	redacted = secretBearerPattern.ReplaceAllString(redacted, "bearer <redacted>")
	return redacted
}
