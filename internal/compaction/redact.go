package compaction

import "regexp"

// redacted is the replacement marker for secret material.
const redacted = "[REDACTED]"

// redactor pairs a secret pattern with its replacement template. Patterns
// that keep a prefix capture group preserve the key name so the summary
// stays readable.
type redactor struct {
	pattern *regexp.Regexp
	repl    string
}

// redactors are applied in order. Order matters: the specific vendor token
// shapes run before the generic key=value catch-alls so the generic rules
// see already-masked text.
var redactors = []redactor{
	// Vendor API tokens.
	{regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_-]{20,}`), redacted},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`), redacted},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{36,}`), redacted},

	// AWS access key ids and secret key assignments.
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`), redacted},
	{regexp.MustCompile(`(?i)(aws_secret_access_key\s*[=:]\s*)\S+`), "${1}" + redacted},

	// Bearer headers and generic credential assignments.
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/-]+=*`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)(api[_-]?key\s*[=:]\s*["']?)[^\s"']+`), "${1}" + redacted},
	{regexp.MustCompile(`(?i)(password\s*[=:]\s*["']?)[^\s"']+`), "${1}" + redacted},

	// Credentials embedded in URLs: scheme://user:pw@host.
	{regexp.MustCompile(`(://[^/\s:@]+:)[^@\s]+(@)`), "${1}" + redacted + "${2}"},

	// PEM private key blocks.
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), redacted},

	// Database connection strings with inline credentials.
	{regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis)://[^\s]+`), "${1}://" + redacted},

	// JWTs: three base64url segments.
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`), redacted},
}

// Redact masks secret material in text. Idempotent: the replacement marker
// never matches any pattern, so a second pass is a no-op.
func Redact(text string) string {
	for _, r := range redactors {
		text = r.pattern.ReplaceAllString(text, r.repl)
	}
	return text
}

// RedactValue recursively redacts strings inside nested maps and slices, as
// produced by JSON decoding. Non-string scalars pass through unchanged.
func RedactValue(v any) any {
	switch val := v.(type) {
	case string:
		return Redact(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = RedactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = RedactValue(inner)
		}
		return out
	default:
		return v
	}
}
