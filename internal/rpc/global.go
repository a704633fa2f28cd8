package rpc

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/nexus3/internal/pool"
)

// GlobalDispatcher handles pool-level methods: create_agent, destroy_agent,
// list_agents, shutdown_server.
type GlobalDispatcher struct {
	pool     *pool.Pool
	shutdown func()
	logger   *slog.Logger
}

// NewGlobalDispatcher creates the global dispatcher. shutdown is invoked
// asynchronously by the shutdown_server method; it may be nil.
func NewGlobalDispatcher(p *pool.Pool, shutdown func(), logger *slog.Logger) *GlobalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalDispatcher{pool: p, shutdown: shutdown, logger: logger}
}

// Dispatch routes one request.
func (d *GlobalDispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "create_agent":
		return d.createAgent(ctx, req)
	case "destroy_agent":
		return d.destroyAgent(ctx, req)
	case "list_agents":
		return ResultResponse(req.ID, map[string]any{"agents": d.pool.ListAgents()})
	case "shutdown_server":
		d.pool.MarkShutdown()
		if d.shutdown != nil {
			go d.shutdown()
		}
		return ResultResponse(req.ID, map[string]any{"status": "shutting down"})
	default:
		return ErrorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (d *GlobalDispatcher) createAgent(ctx context.Context, req *Request) *Response {
	var params struct {
		Name string `json:"name"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Name == "" {
		params.Name = d.pool.NextTempID()
	}
	agent, err := d.pool.Create(ctx, params.Name)
	if err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{
		"agent_id":   agent.ID,
		"created_at": agent.CreatedAt,
	})
}

func (d *GlobalDispatcher) destroyAgent(ctx context.Context, req *Request) *Response {
	var params struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if err := d.pool.Destroy(ctx, params.AgentID); err != nil {
		return ErrorResponse(req.ID, CodeAgentNotFound, err.Error())
	}
	return ResultResponse(req.ID, map[string]any{"destroyed": params.AgentID})
}
