// Package persist serializes agent runtime state to SavedSession JSON files
// under {home}/sessions. All writes are atomic and refuse to resolve
// through symlinks.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/nexus3/internal/safefile"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// SchemaVersion is the current SavedSession on-disk schema.
const SchemaVersion = 1

const (
	sessionsDir     = "sessions"
	lastSessionFile = "last-session.json"
	lastNameFile    = "last-session-name"
)

// ErrSessionNotFound is returned when a named session has no file.
var ErrSessionNotFound = errors.New("session not found")

// PersistenceError wraps a malformed SavedSession file.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saved session %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SavedSession is the on-disk JSON form of an agent. Unknown fields are
// ignored on load; SchemaVersion enables future migrations.
type SavedSession struct {
	SchemaVersion    int              `json:"schema_version"`
	AgentID          string           `json:"agent_id"`
	CreatedAt        time.Time        `json:"created_at"`
	ModifiedAt       time.Time        `json:"modified_at"`
	Messages         []models.Message `json:"messages"`
	SystemPrompt     string           `json:"system_prompt"`
	SystemPromptPath string           `json:"system_prompt_path,omitempty"`
	WorkingDirectory string           `json:"working_directory,omitempty"`
	PermissionLevel  string           `json:"permission_level"`
	PermissionPreset string           `json:"permission_preset,omitempty"`
	DisabledTools    []string         `json:"disabled_tools,omitempty"`
	TokenUsage       int              `json:"token_usage"`

	// Provenance is "user" for user-created agents, or the parent agent
	// id for subagents.
	Provenance string `json:"provenance"`
}

// agentIDPattern admits named agents (worker-1) and temp agents (.1, .2).
// Path separators and traversal can never validate, so session names are
// safe to join onto the sessions directory.
var agentIDPattern = regexp.MustCompile(`^\.?[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidateName checks a session (= agent) name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("session name is empty")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("session name %q contains path components", name)
	}
	if !agentIDPattern.MatchString(name) {
		return fmt.Errorf("session name %q is not a valid agent id", name)
	}
	return nil
}

// Manager reads and writes SavedSession files under one home directory.
type Manager struct {
	home   string
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates the sessions directory if needed and returns a Manager.
func NewManager(home string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := safefile.MkdirAll(filepath.Join(home, sessionsDir)); err != nil {
		return nil, err
	}
	return &Manager{home: home, logger: logger, now: time.Now}, nil
}

func (m *Manager) sessionPath(name string) string {
	return filepath.Join(m.home, sessionsDir, name+".json")
}

// Save writes the session atomically and updates the last-session pointers.
func (m *Manager) Save(s *SavedSession) error {
	if err := ValidateName(s.AgentID); err != nil {
		return err
	}
	s.SchemaVersion = SchemaVersion
	s.ModifiedAt = m.now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.ModifiedAt
	}
	if s.Provenance == "" {
		s.Provenance = "user"
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode saved session: %w", err)
	}
	if err := safefile.WriteFile(m.sessionPath(s.AgentID), data); err != nil {
		return err
	}

	// Pointer updates are best-effort; the session itself is already
	// durable.
	if err := safefile.WriteFile(filepath.Join(m.home, lastSessionFile), data); err != nil {
		m.logger.Warn("last-session pointer not updated", "error", err)
	}
	if err := safefile.WriteFile(filepath.Join(m.home, lastNameFile), []byte(s.AgentID+"\n")); err != nil {
		m.logger.Warn("last-session-name pointer not updated", "error", err)
	}
	return nil
}

// Load reads and validates a named session. Empty assistant messages found
// in the stored history are dropped.
func (m *Manager) Load(name string) (*SavedSession, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return m.loadPath(m.sessionPath(name))
}

// LoadLast loads the session the last-session-name pointer names.
func (m *Manager) LoadLast() (*SavedSession, error) {
	data, err := safefile.ReadFile(filepath.Join(m.home, lastNameFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return m.Load(strings.TrimSpace(string(data)))
}

func (m *Manager) loadPath(path string) (*SavedSession, error) {
	data, err := safefile.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var s SavedSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	if s.SchemaVersion > SchemaVersion {
		return nil, &PersistenceError{Path: path,
			Err: fmt.Errorf("schema version %d is newer than supported %d", s.SchemaVersion, SchemaVersion)}
	}

	kept := s.Messages[:0]
	for _, msg := range s.Messages {
		if msg.Role == models.RoleAssistant && msg.Empty() {
			m.logger.Warn("dropping empty assistant message from saved session", "path", path)
			continue
		}
		kept = append(kept, msg)
	}
	s.Messages = kept
	return &s, nil
}

// Exists reports whether a valid session file exists under the name.
func (m *Manager) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Lstat(m.sessionPath(name))
	return err == nil && info.Mode().IsRegular()
}

// List returns the stored session names, in directory order.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.home, sessionsDir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if e.Type().IsRegular() && name != e.Name() && ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	return names, nil
}

// Clone copies a session under a new name. The destination must not exist.
func (m *Manager) Clone(src, dst string) error {
	if err := ValidateName(dst); err != nil {
		return err
	}
	if m.Exists(dst) {
		return fmt.Errorf("session %q already exists", dst)
	}
	s, err := m.Load(src)
	if err != nil {
		return err
	}
	s.AgentID = dst
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode saved session: %w", err)
	}
	return safefile.WriteFile(m.sessionPath(dst), data)
}

// Rename moves a session to a new name. The destination must not exist.
func (m *Manager) Rename(src, dst string) error {
	if err := m.Clone(src, dst); err != nil {
		return err
	}
	return safefile.Remove(m.sessionPath(src))
}

// Delete removes a stored session.
func (m *Manager) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if !m.Exists(name) {
		return ErrSessionNotFound
	}
	return safefile.Remove(m.sessionPath(name))
}
