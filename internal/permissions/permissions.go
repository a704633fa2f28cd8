// Package permissions implements the agent permission policy: a level with
// closed-set action semantics, per-tool overrides, and path and network
// predicates. The session loop consults the policy before every tool
// dispatch; an agent with no policy wired is treated as fully denied
// (fail-closed).
package permissions

import (
	"path/filepath"
	"strings"
	"time"
)

// Level is the coarse permission level of an agent.
type Level string

const (
	// LevelYolo allows everything without confirmation.
	LevelYolo Level = "yolo"

	// LevelTrusted allows everything but asks for confirmation on
	// destructive actions.
	LevelTrusted Level = "trusted"

	// LevelSandboxed enforces a sandbox: destructive tools are disabled
	// outright, paths are confined, and network access is denied. Nothing
	// is prompted because nothing prompt-worthy is permitted.
	LevelSandboxed Level = "sandboxed"
)

// ParseLevel maps a configuration string to a Level. The legacy preset name
// "worker" maps transparently to "sandboxed". Unknown values fall back to
// trusted.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yolo":
		return LevelYolo
	case "sandboxed", "worker":
		return LevelSandboxed
	case "trusted", "":
		return LevelTrusted
	default:
		return LevelTrusted
	}
}

// destructiveActions classifies tool intents that mutate state outside the
// conversation. Matching is case-insensitive.
var destructiveActions = map[string]bool{
	"write":   true,
	"delete":  true,
	"execute": true,
	"create":  true,
	"move":    true,
	"modify":  true,
}

// safeActions classifies read-only tool intents.
var safeActions = map[string]bool{
	"read":   true,
	"list":   true,
	"search": true,
	"fetch":  true,
}

// SandboxedDisabledTools is the frozen set of tool names a sandboxed agent
// may never call, regardless of overrides.
var SandboxedDisabledTools = map[string]bool{
	"execute_bash":  true,
	"write_file":    true,
	"delete_file":   true,
	"move_file":     true,
	"web_fetch":     true,
	"nexus_create":  true,
	"nexus_destroy": true,
}

// IsDestructive reports whether the action is in the destructive set.
func IsDestructive(action string) bool {
	return destructiveActions[strings.ToLower(action)]
}

// IsSafe reports whether the action is in the safe set.
func IsSafe(action string) bool {
	return safeActions[strings.ToLower(action)]
}

// ActionForTool infers the intent of a tool from its name. Tools with an
// unknown prefix are classified as execute so they land on the conservative
// side of the confirmation table.
func ActionForTool(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "read_"), strings.HasPrefix(lower, "get_"):
		return "read"
	case strings.HasPrefix(lower, "list_"):
		return "list"
	case strings.HasPrefix(lower, "search_"), strings.HasPrefix(lower, "grep_"):
		return "search"
	case strings.HasPrefix(lower, "write_"), strings.HasPrefix(lower, "append_"):
		return "write"
	case strings.HasPrefix(lower, "delete_"), strings.HasPrefix(lower, "remove_"):
		return "delete"
	case strings.HasPrefix(lower, "move_"), strings.HasPrefix(lower, "rename_"):
		return "move"
	case strings.HasPrefix(lower, "create_"):
		return "create"
	case lower == "echo", strings.HasPrefix(lower, "nexus_agents"):
		return "read"
	case strings.HasPrefix(lower, "web_"), strings.HasPrefix(lower, "fetch_"):
		return "fetch"
	default:
		return "execute"
	}
}

// ToolOverride carries per-tool settings consulted before the level default.
type ToolOverride struct {
	// Enabled disables the tool outright when set to false. Nil means
	// "inherit from level".
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Timeout overrides the session default execution timeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// AgentPermissions is the complete permission policy of one agent.
type AgentPermissions struct {
	Level        Level                   `json:"level" yaml:"level"`
	Overrides    map[string]ToolOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	AllowedPaths []string                `json:"allowed_paths,omitempty" yaml:"allowed_paths,omitempty"`
	BlockedPaths []string                `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`

	// WorkingDir is the sandbox root used when AllowedPaths is empty and
	// the level is sandboxed.
	WorkingDir string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
}

// NewPermissions returns a policy at the given level with no overrides.
func NewPermissions(level Level) *AgentPermissions {
	return &AgentPermissions{Level: level, Overrides: make(map[string]ToolOverride)}
}

// ToolEnabled reports whether the named tool may be called at all. An
// explicit disable override always wins. An explicit enable wins too, except
// for tools in SandboxedDisabledTools, which stay disabled at the sandboxed
// level no matter what. Absent an override the level default applies.
func (p *AgentPermissions) ToolEnabled(name string) bool {
	if ov, ok := p.Overrides[name]; ok && ov.Enabled != nil {
		if !*ov.Enabled {
			return false
		}
		// An explicit enable cannot override the sandbox denial set.
		if p.Level == LevelSandboxed && SandboxedDisabledTools[name] {
			return false
		}
		return true
	}
	if p.Level == LevelSandboxed && SandboxedDisabledTools[name] {
		return false
	}
	return true
}

// ToolTimeout returns the per-tool timeout override, or zero when the tool
// inherits the session default.
func (p *AgentPermissions) ToolTimeout(name string) time.Duration {
	if ov, ok := p.Overrides[name]; ok {
		return ov.Timeout
	}
	return 0
}

// RequiresConfirmation reports whether an action needs the confirmation
// callback before it can run. Only trusted agents prompt, and only for
// destructive actions; sandboxed agents enforce instead of prompting.
func (p *AgentPermissions) RequiresConfirmation(action string) bool {
	switch p.Level {
	case LevelTrusted:
		return IsDestructive(action)
	default:
		return false
	}
}

// AllowsAction reports whether the level admits the action for the named
// tool. Yolo and trusted admit everything; sandboxed denies tools in the
// disabled set.
func (p *AgentPermissions) AllowsAction(tool, action string) bool {
	if p.Level == LevelSandboxed && SandboxedDisabledTools[tool] {
		return false
	}
	return true
}

// CanNetwork reports whether outbound network access is permitted.
func (p *AgentPermissions) CanNetwork() bool {
	return p.Level != LevelSandboxed
}

// CanReadPath reports whether the policy admits reading the path.
func (p *AgentPermissions) CanReadPath(path string) bool {
	return p.canAccessPath(path)
}

// CanWritePath reports whether the policy admits writing the path.
func (p *AgentPermissions) CanWritePath(path string) bool {
	return p.canAccessPath(path)
}

func (p *AgentPermissions) canAccessPath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)

	// Blocked paths always override allowed paths.
	for _, blocked := range p.BlockedPaths {
		if pathWithin(abs, blocked) {
			return false
		}
	}

	switch p.Level {
	case LevelYolo:
		return true
	case LevelTrusted:
		if len(p.AllowedPaths) == 0 {
			return true
		}
		return p.pathAllowed(abs)
	case LevelSandboxed:
		if len(p.AllowedPaths) == 0 {
			if p.WorkingDir == "" {
				return false
			}
			return pathWithin(abs, p.WorkingDir)
		}
		return p.pathAllowed(abs)
	default:
		return false
	}
}

func (p *AgentPermissions) pathAllowed(abs string) bool {
	for _, allowed := range p.AllowedPaths {
		if pathWithin(abs, allowed) {
			return true
		}
	}
	return false
}

// pathWithin reports whether path equals root or lies underneath it.
func pathWithin(path, root string) bool {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rootAbs = filepath.Clean(rootAbs)
	if path == rootAbs {
		return true
	}
	return strings.HasPrefix(path, rootAbs+string(filepath.Separator))
}
