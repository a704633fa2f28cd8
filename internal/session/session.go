// Package session implements the agent loop: the streaming tool-use state
// machine that drives one agent's conversation. A Session consumes provider
// stream events, yields assistant text downstream, dispatches tool calls
// under the permission policy, and survives cancellation without leaving a
// half-committed turn in the context.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus3/internal/backoff"
	"github.com/haasonsaas/nexus3/internal/cancel"
	"github.com/haasonsaas/nexus3/internal/contextmgr"
	"github.com/haasonsaas/nexus3/internal/logmux"
	"github.com/haasonsaas/nexus3/internal/logwriter"
	"github.com/haasonsaas/nexus3/internal/observability"
	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/skills"
	"github.com/haasonsaas/nexus3/internal/storage"
	"github.com/haasonsaas/nexus3/internal/tokens"
	"github.com/haasonsaas/nexus3/pkg/models"
)

const (
	// MaxToolIterations bounds the internal tool loop of a single send.
	// The serve-mode nexus_send path may re-invoke Send up to 100 times,
	// observing the iteration-limit marker between invocations; the two
	// bounds are deliberately separate.
	MaxToolIterations = 10

	// IterationLimitSentinel is yielded as the final chunk when the loop
	// hits MaxToolIterations with the provider still requesting tools.
	IterationLimitSentinel = "[Max tool iterations reached]"

	defaultToolTimeout = 60 * time.Second
)

// Chunk is one unit of the Send output stream: assistant text, or a
// terminal error.
type Chunk struct {
	Text string
	Err  error
}

// ConfirmFunc answers a destructive-action prompt. In the REPL this blocks
// on the user; in headless serve mode it is pre-configured to auto-deny
// (default) or auto-allow (yolo deployments).
type ConfirmFunc func(call models.ToolCall) permissions.ConfirmationResult

// Observer receives side-channel events that are surfaced but never stored:
// reasoning deltas and tool-call announcements. Either field may be nil.
type Observer struct {
	OnReasoning func(delta string)
	OnToolCall  func(start models.ToolCallStart)
}

// Config wires a Session to its agent's components.
type Config struct {
	AgentID  string
	Context  *contextmgr.Manager
	Provider providers.Provider
	Model    string

	// MaxTokens caps the provider's response length. Zero uses the
	// provider default.
	MaxTokens int

	// Skills is the agent's validated skill set, keyed by name.
	Skills map[string]skills.Skill

	// Permissions gates tool dispatch. Nil fails closed: every tool call
	// is denied.
	Permissions *permissions.AgentPermissions

	// Confirm answers destructive-action prompts. Nil denies.
	Confirm ConfirmFunc

	Observer Observer

	// ToolTimeout is the default per-tool execution timeout; per-tool
	// overrides in the policy take precedence. Default 60s.
	ToolTimeout time.Duration

	// Markdown and Store record the conversation; either may be nil.
	Markdown *logwriter.MarkdownWriter
	Store    *storage.Store

	// Verbose additionally records reasoning and untruncated tool output.
	// May be nil.
	Verbose *logwriter.VerboseWriter

	// Metrics records provider turns and tool executions. May be nil.
	Metrics *observability.Metrics

	// Counter estimates stored token counts. Default heuristic.
	Counter tokens.Counter

	Logger *slog.Logger
}

// Session runs the tool loop for one agent. Sends on the same Session are
// serialized; different agents' Sessions run concurrently.
type Session struct {
	mu  sync.Mutex
	cfg Config

	token *cancel.Token

	// Confirmation cache. AllowFile/AllowDirectory grow allowedPaths;
	// AllowExecCwd/AllowExecGlobal widen the exec scope for the rest of
	// the session.
	allowedPaths []string
	execCwd      bool
	execGlobal   bool

	halted bool
}

// New creates a Session. Context and Provider are required.
func New(cfg Config) *Session {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewHeuristicCounter()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, token: cancel.NewToken()}
}

// Cancel flips the Session's cancellation token. The current Send winds
// down at its next check point without committing a partial turn.
func (s *Session) Cancel() {
	s.token.Cancel()
}

// Token exposes the Session's cancellation token so the dispatcher can
// register it under live request ids.
func (s *Session) Token() *cancel.Token {
	return s.token
}

// HaltedAtIterationLimit reports whether the most recent Send terminated by
// hitting the tool iteration bound. Callers such as nexus_send use it to
// decide whether to re-invoke.
func (s *Session) HaltedAtIterationLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Send appends the user input to the context and runs the tool loop,
// yielding assistant content chunks as they stream. The channel closes when
// the turn completes, errors, or is cancelled.
func (s *Session) Send(ctx context.Context, userInput string) <-chan Chunk {
	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.run(ctx, userInput, out)
	}()
	return out
}

func (s *Session) run(ctx context.Context, userInput string, out chan<- Chunk) {
	s.token.Reset()
	s.halted = false
	ctx = logmux.WithAgent(ctx, s.cfg.AgentID)

	s.cfg.Context.AddUserMessage(userInput)
	s.recordMessage(ctx, models.Message{Role: models.RoleUser, Content: userInput})
	if s.cfg.Markdown != nil {
		s.cfg.Markdown.WriteUser(userInput)
	}
	if s.cfg.Verbose != nil {
		s.cfg.Verbose.WriteUser(userInput)
	}

	for iteration := 0; iteration < MaxToolIterations; iteration++ {
		msg, err := s.streamTurn(ctx, out)
		if err != nil {
			if err == cancel.ErrCancelled {
				s.recordEvent(ctx, 0, "cancelled", nil)
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordError("provider", "stream_failed")
			}
			out <- Chunk{Err: err}
			return
		}

		// Provider anomaly: nothing streamed at all. Terminate rather
		// than loop forever on an empty turn.
		if msg.Empty() {
			s.cfg.Logger.Warn("empty assistant message, terminating turn",
				"agent_id", s.cfg.AgentID)
			return
		}

		if len(msg.ToolCalls) == 0 {
			s.commitAssistant(ctx, *msg, nil)
			return
		}

		results, err := s.dispatch(ctx, msg.ToolCalls)
		if err != nil {
			// Cancelled mid-dispatch: the whole turn stays
			// uncommitted so the context never holds an assistant
			// message with missing tool results.
			s.recordEvent(ctx, 0, "cancelled", nil)
			return
		}
		s.commitAssistant(ctx, *msg, results)
	}

	s.halted = true
	s.recordEvent(ctx, 0, "halted_at_iteration_limit", map[string]any{
		"iterations": MaxToolIterations,
	})
	out <- Chunk{Text: IterationLimitSentinel}
}

// streamTurn runs one provider turn, yielding content deltas downstream and
// returning the assembled assistant message. Transient provider failures
// are retried once.
func (s *Session) streamTurn(ctx context.Context, out chan<- Chunk) (*models.Message, error) {
	msg, err := s.streamOnce(ctx, out)
	if err != nil && err != cancel.ErrCancelled && providers.IsRetryable(err) {
		delay := backoff.Default().Delay(1)
		s.cfg.Logger.Warn("retrying transient provider failure",
			"agent_id", s.cfg.AgentID, "delay", delay, "error", err)
		if serr := backoff.Sleep(ctx, delay); serr != nil {
			return nil, serr
		}
		if terr := s.token.Err(); terr != nil {
			return nil, terr
		}
		msg, err = s.streamOnce(ctx, out)
	}
	return msg, err
}

func (s *Session) streamOnce(ctx context.Context, out chan<- Chunk) (msg *models.Message, err error) {
	start := time.Now()
	defer func() { s.recordLLM(start, err) }()

	req := &providers.Request{
		Model:     s.cfg.Model,
		Messages:  s.cfg.Context.BuildMessages(),
		Tools:     s.cfg.Context.ToolDefinitions(),
		MaxTokens: s.cfg.MaxTokens,
	}
	events, err := s.cfg.Provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var reasoning strings.Builder
	var final *models.Message
	for ev := range events {
		if err := s.token.Err(); err != nil {
			go drain(events)
			return nil, err
		}
		switch {
		case ev.Err != nil:
			return nil, ev.Err
		case ev.ContentDelta != "":
			out <- Chunk{Text: ev.ContentDelta}
		case ev.ReasoningDelta != "":
			reasoning.WriteString(ev.ReasoningDelta)
			if s.cfg.Observer.OnReasoning != nil {
				s.cfg.Observer.OnReasoning(ev.ReasoningDelta)
			}
		case ev.ToolCallStarted != nil:
			if s.cfg.Observer.OnToolCall != nil {
				s.cfg.Observer.OnToolCall(*ev.ToolCallStarted)
			}
		case ev.Complete != nil:
			final = ev.Complete
		}
	}
	if final == nil {
		return nil, fmt.Errorf("provider %s: stream ended without completion", s.cfg.Provider.Name())
	}
	if s.cfg.Verbose != nil {
		s.cfg.Verbose.WriteThinking(reasoning.String())
	}
	return final, nil
}

// recordLLM reports one provider attempt. Cancellation is a clean stop,
// not a provider failure, so it is not counted.
func (s *Session) recordLLM(start time.Time, err error) {
	if s.cfg.Metrics == nil || err == cancel.ErrCancelled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.cfg.Metrics.RecordLLMRequest(s.cfg.Provider.Name(), s.cfg.Model, status,
		time.Since(start).Seconds())
}

func drain(events <-chan models.StreamEvent) {
	for range events {
	}
}

// commitAssistant appends the assistant message and its tool results to the
// context as one unit, then records them.
func (s *Session) commitAssistant(ctx context.Context, msg models.Message, results []toolOutcome) {
	if err := s.cfg.Context.AddAssistantMessage(msg); err != nil {
		return
	}
	msg.Role = models.RoleAssistant
	msgID := s.recordMessage(ctx, msg)
	if s.cfg.Markdown != nil {
		s.cfg.Markdown.WriteAssistant(msg)
	}
	if s.cfg.Verbose != nil {
		s.cfg.Verbose.WriteAssistant(msg)
	}
	for _, r := range results {
		s.cfg.Context.AddToolResult(r.call.ID, r.call.Name, r.result)
		content := r.result.Output
		if !r.result.Success() {
			content = "Error: " + r.result.Error
		}
		s.recordMessage(ctx, models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: r.call.ID,
		})
		s.recordEvent(ctx, msgID, "tool_call", map[string]any{
			"name":    r.call.Name,
			"call_id": r.call.ID,
			"success": r.result.Success(),
		})
		if s.cfg.Markdown != nil {
			s.cfg.Markdown.WriteToolResult(r.call.Name, r.result)
		}
		if s.cfg.Verbose != nil {
			s.cfg.Verbose.WriteToolResult(r.call.Name, r.result)
		}
	}
}

type toolOutcome struct {
	call   models.ToolCall
	result models.ToolResult
}

// dispatch executes a tool call batch. A _parallel flag from the provider
// runs the batch concurrently; otherwise calls run in order and a failure
// halts the remaining siblings, which are reported as halted rather than
// executed. Returns cancel.ErrCancelled if the token flips mid-batch.
func (s *Session) dispatch(ctx context.Context, calls []models.ToolCall) ([]toolOutcome, error) {
	parallel := false
	for _, c := range calls {
		if c.Parallel() {
			parallel = true
			break
		}
	}

	if parallel && len(calls) > 1 {
		return s.dispatchParallel(ctx, calls)
	}

	outcomes := make([]toolOutcome, 0, len(calls))
	haltedAfter := -1
	for i, call := range calls {
		if haltedAfter >= 0 {
			outcomes = append(outcomes, toolOutcome{call, models.ErrorResult(
				"halted: tool %s at position %d failed", calls[haltedAfter].Name, haltedAfter)})
			continue
		}
		if err := s.token.Err(); err != nil {
			return nil, err
		}
		result := s.runTool(ctx, call)
		outcomes = append(outcomes, toolOutcome{call, result})
		if !result.Success() {
			haltedAfter = i
		}
	}
	return outcomes, nil
}

func (s *Session) dispatchParallel(ctx context.Context, calls []models.ToolCall) ([]toolOutcome, error) {
	if err := s.token.Err(); err != nil {
		return nil, err
	}
	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			outcomes[i] = toolOutcome{call, s.runTool(ctx, call)}
		}(i, call)
	}
	wg.Wait()
	if err := s.token.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// runTool resolves, authorizes, confirms, and executes one tool call.
// Failures surface as error results the model can observe.
func (s *Session) runTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	skill, ok := s.cfg.Skills[call.Name]
	if !ok {
		return models.ErrorResult("Unknown skill: %s", call.Name)
	}

	policy := s.cfg.Permissions
	if policy == nil {
		return models.ErrorResult("no permission policy configured; refusing to run %s", call.Name)
	}
	if !policy.ToolEnabled(call.Name) {
		return models.ErrorResult("skill %s is disabled by the permission policy", call.Name)
	}

	action := permissions.ActionForTool(call.Name)
	if policy.RequiresConfirmation(action) && !s.preApproved(action, call) {
		if result, denied := s.confirm(call, action); denied {
			return result
		}
	}

	timeout := policy.ToolTimeout(call.Name)
	if timeout <= 0 {
		timeout = s.cfg.ToolTimeout
	}
	toolCtx, cancelTool := context.WithTimeout(ctx, timeout)
	defer cancelTool()
	remove := s.token.OnCancel(cancelTool)
	defer remove()

	start := time.Now()
	result := skill.Execute(toolCtx, call.Arguments)
	if s.cfg.Metrics != nil {
		status := "success"
		if !result.Success() {
			status = "error"
		}
		s.cfg.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

// preApproved consults the session's confirmation cache. The cwd exec
// grant covers only commands that stay inside the working directory.
func (s *Session) preApproved(action string, call models.ToolCall) bool {
	if action == "execute" {
		if s.execGlobal {
			return true
		}
		if s.execCwd && s.cfg.Permissions.WorkingDir != "" {
			command, _ := call.Arguments["command"].(string)
			return staysInWorkingDir(command)
		}
		return false
	}
	path := callPath(call)
	if path == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, allowed := range s.allowedPaths {
		if abs == allowed || within(abs, allowed) {
			return true
		}
	}
	return false
}

// confirm invokes the callback and applies the answer's scope to the cache.
// The second return is true when the call must not run.
func (s *Session) confirm(call models.ToolCall, action string) (models.ToolResult, bool) {
	answer := permissions.Deny
	if s.cfg.Confirm != nil {
		answer = s.cfg.Confirm(call)
	}
	switch answer {
	case permissions.AllowOnce:
		return models.ToolResult{}, false
	case permissions.AllowFile:
		if abs, err := filepath.Abs(callPath(call)); err == nil && callPath(call) != "" {
			s.allowedPaths = append(s.allowedPaths, abs)
		}
		return models.ToolResult{}, false
	case permissions.AllowDirectory:
		if abs, err := filepath.Abs(callPath(call)); err == nil && callPath(call) != "" {
			s.allowedPaths = append(s.allowedPaths, filepath.Dir(abs))
		}
		return models.ToolResult{}, false
	case permissions.AllowExecCwd:
		s.execCwd = true
		return models.ToolResult{}, false
	case permissions.AllowExecGlobal:
		s.execGlobal = true
		return models.ToolResult{}, false
	default:
		return models.ErrorResult("cancelled by user"), true
	}
}

func callPath(call models.ToolCall) string {
	p, _ := call.Arguments["path"].(string)
	return p
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *Session) recordMessage(ctx context.Context, msg models.Message) int64 {
	if s.cfg.Store == nil {
		return 0
	}
	id, err := s.cfg.Store.InsertMessage(ctx, msg, s.cfg.Counter.CountMessages([]models.Message{msg}))
	if err != nil {
		s.cfg.Logger.Warn("message not persisted", "agent_id", s.cfg.AgentID, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordError("storage", "insert_message")
		}
	}
	return id
}

func (s *Session) recordEvent(ctx context.Context, msgID int64, eventType string, data map[string]any) {
	if s.cfg.Store == nil {
		return
	}
	if _, err := s.cfg.Store.InsertEvent(ctx, msgID, eventType, data); err != nil {
		s.cfg.Logger.Warn("event not persisted", "agent_id", s.cfg.AgentID, "error", err)
	}
}
