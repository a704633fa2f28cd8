package skills

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxNameLength bounds skill names as seen by the provider.
const MaxNameLength = 64

// namePattern is the shape of a valid internal skill name.
var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// reservedNames may not be used as skill names: they collide with tool
// prefixes, management verbs, or JSON literals that confuse providers.
var reservedNames = map[string]bool{
	"mcp":    true,
	"nexus":  true,
	"system": true,
	"admin":  true,
	"root":   true,
	"true":   true,
	"false":  true,
	"null":   true,
	"none":   true,
}

// ValidateName checks an internal skill name: 1-64 chars, leading letter or
// underscore, body of letters, digits, underscore, hyphen, and not reserved.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("skill name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("skill name %q exceeds %d characters", name, MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("skill name %q contains invalid characters", name)
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("skill name %q is reserved", name)
	}
	return nil
}

// NormalizeName maps an externally supplied tool name into the valid name
// alphabet. The transform is NFKC normalization, lowercasing, replacement of
// every character outside [a-z0-9] with underscore, collapse of separator
// runs, trimming of leading/trailing separators, and an underscore prefix
// for a leading digit. Path traversal, shell metacharacters, and homoglyphs
// all collapse to underscores by construction. Idempotent.
func NormalizeName(name string) string {
	return normalizeTo(name, MaxNameLength)
}

func normalizeTo(name string, maxLen int) string {
	s := strings.ToLower(norm.NFKC.String(name))

	var b strings.Builder
	b.Grow(len(s))
	lastSep := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSep = false
		default:
			if !lastSep {
				b.WriteByte('_')
				lastSep = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	if len(out) > maxLen {
		out = strings.TrimRight(out[:maxLen], "_")
	}
	return out
}

// MCPToolName builds the registry name for a tool imported from an MCP
// server: mcp_{server}_{tool}, with the tool part truncated so the whole
// name fits MaxNameLength.
func MCPToolName(server, tool string) (string, error) {
	srv := NormalizeName(server)
	if srv == "" {
		return "", fmt.Errorf("mcp server name %q normalizes to nothing", server)
	}
	prefix := "mcp_" + srv + "_"
	room := MaxNameLength - len(prefix)
	if room < 1 {
		return "", fmt.Errorf("mcp server name %q leaves no room for tool names", server)
	}
	t := normalizeTo(tool, room)
	if t == "" {
		return "", fmt.Errorf("mcp tool name %q normalizes to nothing", tool)
	}
	return prefix + t, nil
}
