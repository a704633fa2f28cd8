// Package skills implements the agent's tool system: a registry of named
// skill factories, JSON-schema argument validation, name normalization for
// externally provided tools, and the built-in skill set.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// Skill is a named, typed function the agent can call.
type Skill interface {
	Name() string
	Description() string

	// Parameters returns the JSON schema of the skill's arguments.
	Parameters() json.RawMessage

	// Execute runs the skill. Failures are reported through the
	// ToolResult's Error field, not a Go error, so the model can observe
	// and react to them.
	Execute(ctx context.Context, args map[string]any) models.ToolResult
}

// AgentInfo is the pool's public view of one agent, as exposed to the
// nexus_* management skills.
type AgentInfo struct {
	ID           string    `json:"agent_id"`
	IsTemp       bool      `json:"is_temp"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`

	// ShouldShutdown is set once a graceful stop has been requested, so a
	// listing taken during the drain shows which agents are going away.
	ShouldShutdown bool `json:"should_shutdown"`
}

// PoolHandle is the narrow surface of the agent pool that the nexus_*
// skills drive. The pool implements it; keeping the interface here avoids
// an import cycle between the pool and its agents' skills.
type PoolHandle interface {
	// CreateAgent builds a fresh agent. A non-empty parent marks the new
	// agent as a subagent of that parent.
	CreateAgent(ctx context.Context, id, parent string) error

	DestroyAgent(ctx context.Context, id string) error
	ListAgents() []AgentInfo

	// SendToAgent runs a full send loop on the target agent and returns
	// the final response text.
	SendToAgent(ctx context.Context, id, message string) (string, error)

	// NextTempID allocates the next ephemeral agent id (".1", ".2", ...).
	NextTempID() string
}

// Services is the dependency bag handed to skill factories.
type Services struct {
	// AgentID is the owning agent's id, used as the parent when a skill
	// spawns subagents.
	AgentID string

	// Permissions gates tool execution and path access. May be nil; the
	// session layer fails closed in that case before skills run.
	Permissions *permissions.AgentPermissions

	// Pool is set for agents allowed to manage sibling agents.
	Pool PoolHandle

	// WorkingDir anchors relative paths in file skills.
	WorkingDir string

	// HTTPClient is used by web_fetch. Nil uses a default client.
	HTTPClient *http.Client

	// AllowPrivateHosts and AllowLocalhost relax the SSRF envelope for
	// trusted deployments.
	AllowPrivateHosts bool
	AllowLocalhost    bool

	Logger *slog.Logger
}

func (s *Services) logger() *slog.Logger {
	if s == nil || s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Factory builds a skill instance bound to an agent's services.
type Factory func(svc *Services) Skill

// Registry maps skill names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a validated name. Duplicate names and
// invalid names are rejected.
func (r *Registry) Register(name string, f Factory) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Build instantiates one skill wrapped with schema validation.
func (r *Registry) Build(name string, svc *Services) (Skill, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", name)
	}
	return WithValidation(f(svc), false, svc.logger()), nil
}

// BuildAll instantiates every registered skill.
func (r *Registry) BuildAll(svc *Services) (map[string]Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Skill, len(r.factories))
	for name, f := range r.factories {
		out[name] = WithValidation(f(svc), false, svc.logger())
	}
	return out, nil
}

// Names returns the registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions renders a skill set as provider tool definitions, sorted by
// name for a stable schema order across turns.
func Definitions(skillSet map[string]Skill) []models.ToolDefinition {
	names := make([]string, 0, len(skillSet))
	for name := range skillSet {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		s := skillSet[name]
		defs = append(defs, models.ToolDefinition{
			Name:        s.Name(),
			Description: s.Description(),
			Parameters:  s.Parameters(),
		})
	}
	return defs
}
