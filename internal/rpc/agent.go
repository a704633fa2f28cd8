package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/haasonsaas/nexus3/internal/cancel"
	"github.com/haasonsaas/nexus3/internal/compaction"
	"github.com/haasonsaas/nexus3/internal/persist"
	"github.com/haasonsaas/nexus3/internal/pool"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/tokens"
)

// AgentDispatcher handles the per-agent method surface. One instance per
// live agent; the cancellation registry maps request ids to the session
// token so cancel(request_id) can reach an in-flight send.
type AgentDispatcher struct {
	agent    *pool.Agent
	pool     *pool.Pool
	persist  *persist.Manager
	provider providers.Provider
	model    string
	counter  tokens.Counter
	registry *cancel.Registry
	logger   *slog.Logger
}

// AgentDispatcherConfig wires an AgentDispatcher.
type AgentDispatcherConfig struct {
	Agent    *pool.Agent
	Pool     *pool.Pool
	Persist  *persist.Manager
	Provider providers.Provider
	Model    string
	Counter  tokens.Counter
	Logger   *slog.Logger
}

// NewAgentDispatcher creates a dispatcher bound to one agent.
func NewAgentDispatcher(cfg AgentDispatcherConfig) *AgentDispatcher {
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewHeuristicCounter()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AgentDispatcher{
		agent:    cfg.Agent,
		pool:     cfg.Pool,
		persist:  cfg.Persist,
		provider: cfg.Provider,
		model:    cfg.Model,
		counter:  cfg.Counter,
		registry: cancel.NewRegistry(),
		logger:   cfg.Logger,
	}
}

// Registry exposes the per-agent cancellation table.
func (d *AgentDispatcher) Registry() *cancel.Registry { return d.registry }

// Dispatch routes one request.
func (d *AgentDispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "send":
		return d.send(ctx, req)
	case "cancel":
		return d.cancel(req)
	case "get_context":
		return d.getContext(req)
	case "get_tokens":
		return ResultResponse(req.ID, d.agent.Context.TokenUsage())
	case "get_messages":
		return ResultResponse(req.ID, map[string]any{"messages": d.agent.Context.Messages()})
	case "get_history":
		return d.getHistory(ctx, req)
	case "compact":
		return d.compact(ctx, req)
	case "set_system_prompt":
		return d.setSystemPrompt(req)
	case "save":
		return d.save(req)
	case "clone":
		return d.clone(req)
	case "rename":
		return d.rename(req)
	default:
		return ErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (d *AgentDispatcher) send(ctx context.Context, req *Request) *Response {
	var params struct {
		Content   string `json:"content"`
		RequestID string `json:"request_id,omitempty"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Content == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "content is required")
	}

	requestID := params.RequestID
	if requestID == "" {
		requestID = requestIDString(req.ID)
	}
	d.registry.Register(requestID, d.agent.Session.Token())
	defer d.registry.Unregister(requestID)

	var b strings.Builder
	for chunk := range d.agent.Session.Send(ctx, params.Content) {
		if chunk.Err != nil {
			return ErrorResponse(req.ID, CodeAppError, chunk.Err.Error())
		}
		b.WriteString(chunk.Text)
	}
	return ResultResponse(req.ID, map[string]any{
		"content":                   b.String(),
		"halted_at_iteration_limit": d.agent.Session.HaltedAtIterationLimit(),
	})
}

// cancel flips the token of a live request, or the session's token when no
// request id is given. Cancelling an unknown id is idempotent.
func (d *AgentDispatcher) cancel(req *Request) *Response {
	var params struct {
		RequestID string `json:"request_id,omitempty"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	found := false
	if params.RequestID != "" {
		found = d.registry.Cancel(params.RequestID)
	} else {
		d.agent.Session.Cancel()
		found = true
	}
	return ResultResponse(req.ID, map[string]any{"cancelled": found})
}

func (d *AgentDispatcher) getContext(req *Request) *Response {
	return ResultResponse(req.ID, map[string]any{
		"system_prompt": d.agent.Context.SystemPrompt(),
		"messages":      d.agent.Context.Messages(),
		"token_usage":   d.agent.Context.TokenUsage(),
	})
}

func (d *AgentDispatcher) getHistory(ctx context.Context, req *Request) *Response {
	if d.agent.Store == nil {
		return ErrorResponse(req.ID, CodeAppError, "session storage is not configured")
	}
	rows, err := d.agent.Store.GetMessages(ctx, false)
	if err != nil {
		return ErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{"history": rows})
}

// compact summarizes old history in place. When storage is wired, the rows
// the summary replaced leave the stored context and the summary row is
// marked with their ids.
func (d *AgentDispatcher) compact(ctx context.Context, req *Request) *Response {
	engine := compaction.New(compaction.Config{
		Provider: d.provider,
		Model:    d.model,
		Counter:  d.counter,
		Logger:   d.logger,
	})
	result, err := engine.Compact(ctx, d.agent.Context)
	if err != nil {
		if errors.Is(err, compaction.ErrNothingToCompact) {
			return ResultResponse(req.ID, map[string]any{"compacted": false})
		}
		return ErrorResponse(req.ID, CodeAppError, err.Error())
	}

	if d.agent.Store != nil {
		if err := d.markCompacted(ctx, result); err != nil {
			d.logger.Warn("compaction not reflected in storage",
				"agent_id", d.agent.ID, "error", err)
		}
	}
	return ResultResponse(req.ID, map[string]any{
		"compacted":  true,
		"summarized": len(result.Summarized),
		"preserved":  len(result.Preserved),
	})
}

// markCompacted mirrors the in-memory splice into storage: the oldest
// in-context rows (one per summarized message) are replaced by a new
// summary row.
func (d *AgentDispatcher) markCompacted(ctx context.Context, result *compaction.Result) error {
	rows, err := d.agent.Store.GetMessages(ctx, true)
	if err != nil {
		return err
	}
	n := len(result.Summarized)
	if n > len(rows) {
		n = len(rows)
	}
	replaced := make([]int64, 0, n)
	for _, row := range rows[:n] {
		replaced = append(replaced, row.ID)
	}
	summaryID, err := d.agent.Store.InsertMessage(ctx, result.Summary,
		d.counter.Count(result.Summary.Content))
	if err != nil {
		return err
	}
	return d.agent.Store.MarkAsSummary(ctx, summaryID, replaced)
}

func (d *AgentDispatcher) setSystemPrompt(req *Request) *Response {
	var params struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	d.agent.Context.SetSystemPrompt(params.Prompt)
	if d.agent.Markdown != nil {
		d.agent.Markdown.WriteSystem(params.Prompt)
	}
	return ResultResponse(req.ID, map[string]any{"ok": true})
}

func (d *AgentDispatcher) save(req *Request) *Response {
	if err := d.pool.Save(d.agent.ID); err != nil {
		return ErrorResponse(req.ID, CodeAppError, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{"saved": d.agent.ID})
}

func (d *AgentDispatcher) clone(req *Request) *Response {
	var params struct {
		Destination string `json:"destination"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if d.persist == nil {
		return ErrorResponse(req.ID, CodeAppError, "session persistence is not configured")
	}
	if err := d.persist.Clone(d.agent.ID, params.Destination); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{"cloned": params.Destination})
}

// rename moves the saved session file. The live agent keeps its id; renames
// of a running agent take effect on the next restore.
func (d *AgentDispatcher) rename(req *Request) *Response {
	var params struct {
		Destination string `json:"destination"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if d.persist == nil {
		return ErrorResponse(req.ID, CodeAppError, "session persistence is not configured")
	}
	if err := d.persist.Rename(d.agent.ID, params.Destination); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{"renamed": params.Destination})
}
