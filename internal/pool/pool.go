// Package pool owns the live agents of one server process: creation,
// lookup with auto-restore from saved sessions, destruction, and the shared
// wiring (provider, log multiplexer, skill registry) each agent borrows.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus3/internal/contextmgr"
	"github.com/haasonsaas/nexus3/internal/logmux"
	"github.com/haasonsaas/nexus3/internal/logwriter"
	"github.com/haasonsaas/nexus3/internal/observability"
	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/internal/persist"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/session"
	"github.com/haasonsaas/nexus3/internal/skills"
	"github.com/haasonsaas/nexus3/internal/storage"
	"github.com/haasonsaas/nexus3/internal/tokens"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// Agent is one live conversational entity and the components it owns.
type Agent struct {
	ID          string
	CreatedAt   time.Time
	Context     *contextmgr.Manager
	Session     *session.Session
	Store       *storage.Store
	Markdown    *logwriter.MarkdownWriter
	Verbose     *logwriter.VerboseWriter
	Raw         *logwriter.RawWriter
	Permissions *permissions.AgentPermissions

	// Parent is the creating agent's id when this agent was spawned by
	// another agent; empty for user-created agents.
	Parent string

	shutdown atomic.Bool
}

// IsTemp reports whether the agent has an ephemeral dot-prefixed id.
func (a *Agent) IsTemp() bool { return strings.HasPrefix(a.ID, ".") }

// RequestShutdown flags the agent as going away. The flag is advisory: it
// surfaces through agent listings while a graceful stop drains.
func (a *Agent) RequestShutdown() { a.shutdown.Store(true) }

// ShutdownRequested reports whether a stop has been requested for this agent.
func (a *Agent) ShutdownRequested() bool { return a.shutdown.Load() }

// Config carries the components every agent shares.
type Config struct {
	Provider providers.Provider
	Model    string

	// MaxTokens caps provider responses; zero uses the provider default.
	MaxTokens int

	// SystemPrompt seeds fresh agents.
	SystemPrompt string

	// Level is the permission level for fresh agents.
	Level permissions.Level

	// WorkingDir anchors file skills and the sandbox root.
	WorkingDir string

	// Registry supplies each agent's skill set.
	Registry *skills.Registry

	// Mux receives each agent's raw-log sink. May be nil.
	Mux *logmux.Multiplexer

	// LogDir is the base directory for per-agent session.db and log
	// files. Empty disables on-disk logging and storage.
	LogDir string

	// Streams selects which log files each agent writes under LogDir.
	// Zero defaults to the context and raw streams.
	Streams logwriter.Stream

	// Persist enables save/load and auto-restore. May be nil.
	Persist *persist.Manager

	// Confirm answers destructive-action prompts for every agent's
	// session. Nil denies.
	Confirm session.ConfirmFunc

	// Observer receives reasoning and tool-call announcements from every
	// agent's session. Zero value ignores them.
	Observer session.Observer

	// ToolTimeout is the default per-tool execution timeout. Zero uses
	// the session default.
	ToolTimeout time.Duration

	// AllowPrivateHosts and AllowLocalhost relax outbound URL checks in
	// skills that reach other hosts.
	AllowPrivateHosts bool
	AllowLocalhost    bool

	// Metrics tracks the live agent gauge and each session's provider and
	// tool activity. May be nil.
	Metrics *observability.Metrics

	Counter tokens.Counter
	Logger  *slog.Logger
}

// Pool is the agent registry. All operations are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	agents  map[string]*Agent
	tempSeq int
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Level == "" {
		cfg.Level = permissions.LevelTrusted
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewHeuristicCounter()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = skills.NewRegistry()
	}
	if cfg.Streams == 0 {
		cfg.Streams = logwriter.StreamContext | logwriter.StreamRaw
	}
	return &Pool{cfg: cfg, agents: make(map[string]*Agent)}
}

// Create builds a fresh agent under the given id.
func (p *Pool) Create(ctx context.Context, id string) (*Agent, error) {
	return p.create(ctx, id, "")
}

func (p *Pool) create(ctx context.Context, id, parent string) (*Agent, error) {
	if err := persist.ValidateName(id); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.agents[id]; exists {
		return nil, fmt.Errorf("agent %q already exists", id)
	}
	agent, err := p.build(ctx, id, p.cfg.SystemPrompt, nil, time.Now().UTC(), p.cfg.Level, nil, parent)
	if err != nil {
		return nil, err
	}
	p.agents[id] = agent
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AgentCreated()
	}
	return agent, nil
}

// Get returns a live agent.
func (p *Pool) Get(id string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// GetOrRestore returns a live agent, restoring it from a saved session when
// one exists on disk. Auto-restore never fires for an active agent.
func (p *Pool) GetOrRestore(ctx context.Context, id string) (*Agent, error) {
	if a, ok := p.Get(id); ok {
		return a, nil
	}
	if p.cfg.Persist == nil || !p.cfg.Persist.Exists(id) {
		return nil, fmt.Errorf("agent %q not found", id)
	}
	saved, err := p.cfg.Persist.Load(id)
	if err != nil {
		return nil, err
	}
	return p.RestoreFromSaved(ctx, saved)
}

// RestoreFromSaved builds an agent from a saved session, preserving its
// creation time, permission preset, and disabled tools.
func (p *Pool) RestoreFromSaved(ctx context.Context, saved *persist.SavedSession) (*Agent, error) {
	if err := persist.ValidateName(saved.AgentID); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.agents[saved.AgentID]; exists {
		return nil, fmt.Errorf("agent %q is already active", saved.AgentID)
	}

	level := permissions.ParseLevel(saved.PermissionLevel)
	if saved.PermissionPreset != "" {
		level = permissions.ParseLevel(saved.PermissionPreset)
	}
	parent := saved.Provenance
	if parent == "user" {
		parent = ""
	}
	agent, err := p.build(ctx, saved.AgentID, saved.SystemPrompt, saved.Messages,
		saved.CreatedAt, level, saved.DisabledTools, parent)
	if err != nil {
		return nil, err
	}
	p.agents[saved.AgentID] = agent
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AgentCreated()
	}
	return agent, nil
}

// build wires one agent's components. Caller holds the pool lock.
func (p *Pool) build(ctx context.Context, id, systemPrompt string, history []models.Message,
	createdAt time.Time, level permissions.Level, disabledTools []string, parent string) (*Agent, error) {

	policy := permissions.NewPermissions(level)
	policy.WorkingDir = p.cfg.WorkingDir
	off := false
	for _, tool := range disabledTools {
		policy.Overrides[tool] = permissions.ToolOverride{Enabled: &off}
	}

	mgr := contextmgr.New(contextmgr.Config{Counter: p.cfg.Counter, Logger: p.cfg.Logger})
	mgr.SetSystemPrompt(systemPrompt)
	if len(history) > 0 {
		mgr.ReplaceMessages(history)
	}

	svc := &skills.Services{
		AgentID:           id,
		Permissions:       policy,
		Pool:              p,
		WorkingDir:        p.cfg.WorkingDir,
		AllowPrivateHosts: p.cfg.AllowPrivateHosts,
		AllowLocalhost:    p.cfg.AllowLocalhost,
		Logger:            p.cfg.Logger,
	}
	skillSet, err := p.cfg.Registry.BuildAll(svc)
	if err != nil {
		return nil, err
	}
	mgr.SetToolDefinitions(skills.Definitions(skillSet))

	agent := &Agent{
		ID:          id,
		CreatedAt:   createdAt,
		Context:     mgr,
		Permissions: policy,
		Parent:      parent,
	}

	if p.cfg.LogDir != "" {
		store, err := storage.Open(p.cfg.LogDir, id, p.cfg.Logger)
		if err != nil {
			return nil, err
		}
		sessionType := "saved"
		switch {
		case parent != "":
			sessionType = "subagent"
		case agent.IsTemp():
			sessionType = "temp"
		}
		if err := store.InitMarkers(ctx, sessionType, "active", parent); err != nil {
			store.Close()
			return nil, err
		}
		agent.Store = store

		agentDir := filepath.Join(p.cfg.LogDir, id)
		if p.cfg.Streams.Has(logwriter.StreamContext) {
			md, err := logwriter.NewMarkdownWriter(filepath.Join(agentDir, "context.md"), id, p.cfg.Logger)
			if err != nil {
				store.Close()
				return nil, err
			}
			agent.Markdown = md
			if systemPrompt != "" && len(history) == 0 {
				md.WriteSystem(systemPrompt)
			}
		}

		if p.cfg.Streams.Has(logwriter.StreamVerbose) {
			vw, err := logwriter.NewVerboseWriter(filepath.Join(agentDir, "verbose.md"), id, p.cfg.Logger)
			if err != nil {
				store.Close()
				return nil, err
			}
			agent.Verbose = vw
		}

		if p.cfg.Streams.Has(logwriter.StreamRaw) {
			raw, err := logwriter.NewRawWriter(filepath.Join(agentDir, "raw.jsonl"), p.cfg.Logger)
			if err != nil {
				store.Close()
				return nil, err
			}
			agent.Raw = raw
			if p.cfg.Mux != nil {
				p.cfg.Mux.Register(id, raw)
			}
		}
	}

	agent.Session = session.New(session.Config{
		AgentID:     id,
		Context:     mgr,
		Provider:    p.cfg.Provider,
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Skills:      skillSet,
		Permissions: policy,
		Confirm:     p.cfg.Confirm,
		Observer:    p.cfg.Observer,
		ToolTimeout: p.cfg.ToolTimeout,
		Markdown:    agent.Markdown,
		Verbose:     agent.Verbose,
		Store:       agent.Store,
		Metrics:     p.cfg.Metrics,
		Counter:     p.cfg.Counter,
		Logger:      p.cfg.Logger,
	})
	return agent, nil
}

// Destroy cancels in-flight work, unregisters the raw-log sink, marks the
// storage session destroyed, and removes the agent.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	agent, ok := p.agents[id]
	if ok {
		delete(p.agents, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}

	agent.Session.Cancel()
	if p.cfg.Mux != nil {
		p.cfg.Mux.Unregister(id)
	}
	if agent.Store != nil {
		if err := agent.Store.UpdateStatus(ctx, "destroyed"); err != nil {
			p.cfg.Logger.Warn("session not marked destroyed", "agent_id", id, "error", err)
		}
		agent.Store.Close()
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.AgentDestroyed()
	}
	return nil
}

// DestroyAll tears down every agent, for process shutdown.
func (p *Pool) DestroyAll(ctx context.Context) {
	for _, info := range p.ListAgents() {
		if err := p.Destroy(ctx, info.ID); err != nil {
			p.cfg.Logger.Warn("agent not destroyed", "agent_id", info.ID, "error", err)
		}
	}
}

// ListAgents snapshots the live agents, sorted by id.
func (p *Pool) ListAgents() []skills.AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]skills.AgentInfo, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, skills.AgentInfo{
			ID:             a.ID,
			IsTemp:         a.IsTemp(),
			CreatedAt:      a.CreatedAt,
			MessageCount:   a.Context.MessageCount(),
			ShouldShutdown: a.ShutdownRequested(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkShutdown flags every live agent for teardown. Called when a graceful
// stop begins so listings taken during the drain reflect the pending stop.
func (p *Pool) MarkShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		a.RequestShutdown()
	}
}

// CreateAgent implements skills.PoolHandle. The parent id records which
// agent spawned this one; the new agent's session markers carry it.
func (p *Pool) CreateAgent(ctx context.Context, id, parent string) error {
	_, err := p.create(ctx, id, parent)
	return err
}

// DestroyAgent implements skills.PoolHandle.
func (p *Pool) DestroyAgent(ctx context.Context, id string) error {
	return p.Destroy(ctx, id)
}

// NextTempID allocates the next ephemeral agent id.
func (p *Pool) NextTempID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tempSeq++
	return fmt.Sprintf(".%d", p.tempSeq)
}

// SendToAgent runs one full send loop on the target agent and returns the
// concatenated assistant text. The internal loop is bounded at 10 tool
// iterations; a caller that observes the iteration-limit marker may invoke
// again, which is how the serve-mode send reaches its documented 100.
func (p *Pool) SendToAgent(ctx context.Context, id, message string) (string, error) {
	agent, err := p.GetOrRestore(ctx, id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range agent.Session.Send(ctx, message) {
		if chunk.Err != nil {
			return b.String(), chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}

// Save serializes a live agent to the persistence manager.
func (p *Pool) Save(id string) error {
	if p.cfg.Persist == nil {
		return fmt.Errorf("session persistence is not configured")
	}
	agent, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	var disabled []string
	for tool, ov := range agent.Permissions.Overrides {
		if ov.Enabled != nil && !*ov.Enabled {
			disabled = append(disabled, tool)
		}
	}
	return p.cfg.Persist.Save(&persist.SavedSession{
		AgentID:          agent.ID,
		CreatedAt:        agent.CreatedAt,
		Messages:         agent.Context.Messages(),
		SystemPrompt:     agent.Context.SystemPrompt(),
		WorkingDirectory: p.cfg.WorkingDir,
		PermissionLevel:  string(agent.Permissions.Level),
		DisabledTools:    disabled,
		TokenUsage:       agent.Context.TokenUsage().Total,
		Provenance:       agent.Parent,
	})
}
