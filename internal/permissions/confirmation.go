package permissions

// ConfirmationResult is the user's answer to a destructive-action prompt.
type ConfirmationResult int

const (
	// Deny rejects this call; the tool is not executed.
	Deny ConfirmationResult = iota

	// AllowOnce permits exactly this call.
	AllowOnce

	// AllowFile permits this call and whitelists the target file for the
	// rest of the session.
	AllowFile

	// AllowDirectory permits this call and whitelists the target's parent
	// directory for the rest of the session.
	AllowDirectory

	// AllowExecCwd permits command execution within the working directory
	// for the rest of the session.
	AllowExecCwd

	// AllowExecGlobal permits command execution anywhere for the rest of
	// the session.
	AllowExecGlobal
)

func (r ConfirmationResult) String() string {
	switch r {
	case Deny:
		return "deny"
	case AllowOnce:
		return "allow_once"
	case AllowFile:
		return "allow_file"
	case AllowDirectory:
		return "allow_directory"
	case AllowExecCwd:
		return "allow_exec_cwd"
	case AllowExecGlobal:
		return "allow_exec_global"
	default:
		return "unknown"
	}
}
