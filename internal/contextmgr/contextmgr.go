// Package contextmgr maintains the bounded conversation context of one
// agent: system prompt, tool definitions, and the ordered message history.
// It enforces the structural invariants of the history (tool-call/result
// grouping, no empty assistant messages) and applies a truncation strategy
// when the token budget is exceeded.
package contextmgr

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus3/internal/tokens"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// Strategy selects how history is truncated once over budget.
type Strategy string

const (
	// StrategyOldestFirst drops the oldest messages until the remainder
	// fits the budget.
	StrategyOldestFirst Strategy = "oldest_first"

	// StrategyMiddleOut keeps the first and last messages unconditionally
	// and packs as many newest-first middle messages as fit.
	StrategyMiddleOut Strategy = "middle_out"
)

// TokenUsage is a snapshot of where the budget goes.
type TokenUsage struct {
	System    int `json:"system"`
	Tools     int `json:"tools"`
	Messages  int `json:"messages"`
	Total     int `json:"total"`
	Budget    int `json:"budget"`
	Available int `json:"available"`
}

// Config configures a Manager.
type Config struct {
	// MaxTokens is the soft context budget. Default 100000.
	MaxTokens int

	// Reserve is held back from the budget for the provider's response.
	// Default 4096.
	Reserve int

	// Strategy selects the truncation strategy. Default oldest_first.
	Strategy Strategy

	// Counter estimates token counts. Default heuristic.
	Counter tokens.Counter

	// Logger receives structural warnings. Default slog.Default().
	Logger *slog.Logger

	// Now supplies the timestamp for datetime injection; tests override it.
	Now func() time.Time
}

// Manager holds one agent's context. All methods are safe for concurrent
// use, though the session loop is the only writer in practice.
type Manager struct {
	mu           sync.Mutex
	systemPrompt string
	toolDefs     []models.ToolDefinition
	messages     []models.Message

	maxTokens int
	reserve   int
	strategy  Strategy
	counter   tokens.Counter
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Manager with the given configuration.
func New(cfg Config) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100000
	}
	if cfg.Reserve <= 0 {
		cfg.Reserve = 4096
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyOldestFirst
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewHeuristicCounter()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		maxTokens: cfg.MaxTokens,
		reserve:   cfg.Reserve,
		strategy:  cfg.Strategy,
		counter:   cfg.Counter,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// SetSystemPrompt replaces the system prompt.
func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.systemPrompt = prompt
	m.mu.Unlock()
}

// SystemPrompt returns the raw system prompt (without datetime injection).
func (m *Manager) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemPrompt
}

// SetToolDefinitions replaces the tool schemas advertised to the provider.
func (m *Manager) SetToolDefinitions(defs []models.ToolDefinition) {
	m.mu.Lock()
	m.toolDefs = append([]models.ToolDefinition(nil), defs...)
	m.mu.Unlock()
}

// ToolDefinitions returns a copy of the advertised tool schemas.
func (m *Manager) ToolDefinitions() []models.ToolDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ToolDefinition(nil), m.toolDefs...)
}

// AddUserMessage appends a user message.
func (m *Manager) AddUserMessage(content string) {
	m.mu.Lock()
	m.messages = append(m.messages, models.Message{Role: models.RoleUser, Content: content})
	m.mu.Unlock()
}

// AddAssistantMessage appends an assistant message. Messages with neither
// content nor tool calls are rejected with a warning so an aborted provider
// stream cannot pollute the history.
func (m *Manager) AddAssistantMessage(msg models.Message) error {
	if msg.Empty() {
		m.logger.Warn("rejecting empty assistant message")
		return fmt.Errorf("assistant message has no content and no tool calls")
	}
	msg.Role = models.RoleAssistant
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return nil
}

// AddToolResult appends the result of a tool call as a Tool message bound
// to the originating call id.
func (m *Manager) AddToolResult(callID, name string, result models.ToolResult) {
	content := result.Output
	if !result.Success() {
		content = "Error: " + result.Error
	}
	m.mu.Lock()
	m.messages = append(m.messages, models.Message{
		Role:       models.RoleTool,
		Content:    content,
		ToolCallID: callID,
	})
	m.mu.Unlock()
}

// ClearMessages drops the whole history, leaving system prompt and tool
// definitions in place.
func (m *Manager) ClearMessages() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

// Messages returns a copy of the current history.
func (m *Manager) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// ReplaceMessages atomically swaps the history. Used by the compaction
// engine to splice in a summary.
func (m *Manager) ReplaceMessages(messages []models.Message) {
	m.mu.Lock()
	m.messages = append([]models.Message(nil), messages...)
	m.mu.Unlock()
}

// MessageCount returns the current history length.
func (m *Manager) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// BuildMessages produces the ordered message list to send to the provider,
// with the (datetime-injected) system prompt prepended. When the history is
// over budget it is truncated by the configured strategy, and the in-memory
// history is resynced to the truncated set so repeated builds converge.
func (m *Manager) BuildMessages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.overBudgetLocked() {
		m.messages = m.truncateLocked()
	}

	out := make([]models.Message, 0, len(m.messages)+1)
	if m.systemPrompt != "" {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: InjectDatetime(m.systemPrompt, m.now()),
		})
	}
	return append(out, m.messages...)
}

// TokenUsage returns the current budget accounting.
func (m *Manager) TokenUsage() TokenUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

func (m *Manager) usageLocked() TokenUsage {
	system := m.counter.Count(m.systemPrompt)
	tools := 0
	for _, def := range m.toolDefs {
		tools += m.counter.Count(def.Name)
		tools += m.counter.Count(def.Description)
		tools += m.counter.Count(string(def.Parameters))
	}
	msgs := m.counter.CountMessages(m.messages)
	total := system + tools + msgs
	available := m.maxTokens - m.reserve - total
	if available < 0 {
		available = 0
	}
	return TokenUsage{
		System:    system,
		Tools:     tools,
		Messages:  msgs,
		Total:     total,
		Budget:    m.maxTokens,
		Available: available,
	}
}

// IsOverBudget reports whether the context exceeds the soft budget.
func (m *Manager) IsOverBudget() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overBudgetLocked()
}

func (m *Manager) overBudgetLocked() bool {
	u := m.usageLocked()
	return u.Total > m.maxTokens-m.reserve
}

// AvailableBudget returns the token budget remaining for messages after
// system prompt, tool definitions, and reserve.
func (m *Manager) AvailableBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messageBudgetLocked()
}

func (m *Manager) messageBudgetLocked() int {
	u := m.usageLocked()
	budget := m.maxTokens - m.reserve - u.System - u.Tools
	if budget < 0 {
		budget = 0
	}
	return budget
}

// InjectDatetime inserts the current datetime into a system prompt's
// Environment section. The insertion point is the first line that equals
// "# Environment" exactly; matching is anchored to the line, not done by
// substring replacement, because the literal text may appear elsewhere in
// the prompt. If no such header exists a fresh section is appended.
func InjectDatetime(prompt string, now time.Time) string {
	stamp := "Current datetime: " + now.Format("2006-01-02 15:04:05 -0700")
	lines := strings.Split(prompt, "\n")
	for i, line := range lines {
		if line == "# Environment" {
			out := make([]string, 0, len(lines)+1)
			out = append(out, lines[:i+1]...)
			out = append(out, stamp)
			out = append(out, lines[i+1:]...)
			return strings.Join(out, "\n")
		}
	}
	return prompt + "\n\n# Environment\n" + stamp
}
