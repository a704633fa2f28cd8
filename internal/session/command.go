package session

import (
	"regexp"
)

// Patterns that mark a shell command as reaching outside the working
// directory, or as too opaque to tell.
var (
	controlChars   = regexp.MustCompile(`[\r\n\x00]`)
	substitution   = regexp.MustCompile("[`]|\\$\\(")
	absoluteTarget = regexp.MustCompile(`(^|[\s=:"'])[/~]`)
	parentEscape   = regexp.MustCompile(`(^|[\s/=:"'])\.\.([/\s]|$)`)
)

// staysInWorkingDir reports whether a shell command plausibly confines its
// effects to the working directory. The AllowExecCwd confirmation grant
// covers only such commands; a command reaching an absolute or home path,
// traversing to a parent, or hiding targets behind command substitution
// prompts again. Conservative: a false positive re-prompts, never
// auto-allows.
func staysInWorkingDir(command string) bool {
	if controlChars.MatchString(command) {
		return false
	}
	if substitution.MatchString(command) {
		return false
	}
	if absoluteTarget.MatchString(command) {
		return false
	}
	if parentEscape.MatchString(command) {
		return false
	}
	return true
}
