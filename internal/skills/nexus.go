package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus3/internal/net/ssrf"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// The nexus_* skills let one agent manage sibling agents through the pool.
// They are disabled under the sandboxed permission level (except listing
// and sending), so a sandboxed worker cannot spawn or destroy peers.

type nexusAgentsSkill struct{ svc *Services }

func (s *nexusAgentsSkill) Name() string        { return "nexus_agents" }
func (s *nexusAgentsSkill) Description() string { return "Lists the agents currently in the pool." }
func (s *nexusAgentsSkill) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (s *nexusAgentsSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	if s.svc == nil || s.svc.Pool == nil {
		return models.ErrorResult("agent pool is not available")
	}
	infos := s.svc.Pool.ListAgents()
	if len(infos) == 0 {
		return models.ToolResult{Output: "No agents running."}
	}
	var b strings.Builder
	for _, info := range infos {
		kind := "named"
		if info.IsTemp {
			kind = "temp"
		}
		fmt.Fprintf(&b, "%s (%s, %d messages, created %s)\n",
			info.ID, kind, info.MessageCount, info.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return models.ToolResult{Output: strings.TrimRight(b.String(), "\n")}
}

type nexusCreateArgs struct {
	AgentID string `json:"agent_id,omitempty" jsonschema:"description=Id for the new agent; empty allocates a temp id"`
}

type nexusCreateSkill struct{ svc *Services }

func (s *nexusCreateSkill) Name() string        { return "nexus_create" }
func (s *nexusCreateSkill) Description() string { return "Creates a new agent in the pool." }
func (s *nexusCreateSkill) Parameters() json.RawMessage {
	return schemaFor(&nexusCreateArgs{})
}

func (s *nexusCreateSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	if s.svc == nil || s.svc.Pool == nil {
		return models.ErrorResult("agent pool is not available")
	}
	var a nexusCreateArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	id := a.AgentID
	if id == "" {
		id = s.svc.Pool.NextTempID()
	}
	if err := s.svc.Pool.CreateAgent(ctx, id, s.svc.AgentID); err != nil {
		return models.ErrorResult("create agent %s: %v", id, err)
	}
	return models.ToolResult{Output: "Created agent " + id}
}

type nexusDestroyArgs struct {
	AgentID string `json:"agent_id" jsonschema:"description=Id of the agent to destroy"`
}

type nexusDestroySkill struct{ svc *Services }

func (s *nexusDestroySkill) Name() string        { return "nexus_destroy" }
func (s *nexusDestroySkill) Description() string { return "Destroys an agent in the pool." }
func (s *nexusDestroySkill) Parameters() json.RawMessage {
	return schemaFor(&nexusDestroyArgs{})
}

func (s *nexusDestroySkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	if s.svc == nil || s.svc.Pool == nil {
		return models.ErrorResult("agent pool is not available")
	}
	var a nexusDestroyArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	if err := s.svc.Pool.DestroyAgent(ctx, a.AgentID); err != nil {
		return models.ErrorResult("destroy agent %s: %v", a.AgentID, err)
	}
	return models.ToolResult{Output: "Destroyed agent " + a.AgentID}
}

type nexusSendArgs struct {
	AgentID string `json:"agent_id" jsonschema:"description=Id of the target agent"`
	Message string `json:"message" jsonschema:"description=Message to send"`
	URL     string `json:"url,omitempty" jsonschema:"description=Base URL of a remote server hosting the target agent; empty targets the local pool"`
	Token   string `json:"token,omitempty" jsonschema:"description=Bearer token for the remote server"`
}

type nexusSendSkill struct{ svc *Services }

func (s *nexusSendSkill) Name() string { return "nexus_send" }
func (s *nexusSendSkill) Description() string {
	return "Sends a message to another agent and returns its final response. " +
		"The target runs its own tool loop; re-invoke if it reports " +
		"halting at its iteration limit."
}
func (s *nexusSendSkill) Parameters() json.RawMessage {
	return schemaFor(&nexusSendArgs{})
}

func (s *nexusSendSkill) Execute(ctx context.Context, args map[string]any) models.ToolResult {
	var a nexusSendArgs
	if err := decodeArgs(args, &a); err != nil {
		return models.ErrorResult("bad arguments: %v", err)
	}
	if a.AgentID == "" || a.Message == "" {
		return models.ErrorResult("agent_id and message are required")
	}
	if a.URL != "" {
		return s.sendRemote(ctx, a)
	}
	if s.svc == nil || s.svc.Pool == nil {
		return models.ErrorResult("agent pool is not available")
	}
	reply, err := s.svc.Pool.SendToAgent(ctx, a.AgentID, a.Message)
	if err != nil {
		return models.ErrorResult("send to %s: %v", a.AgentID, err)
	}
	return models.ToolResult{Output: reply}
}

// sendRemote posts a JSON-RPC send to an agent hosted by another server.
// The URL goes through the same outbound validation as web_fetch.
func (s *nexusSendSkill) sendRemote(ctx context.Context, a nexusSendArgs) models.ToolResult {
	var opts ssrf.Options
	if s.svc != nil {
		opts.AllowPrivate = s.svc.AllowPrivateHosts
		opts.AllowLocalhost = s.svc.AllowLocalhost
	}
	if err := ssrf.ValidateURL(a.URL, opts); err != nil {
		return models.ErrorResult("blocked url: %v", err)
	}

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "send",
		"params":  map[string]any{"content": a.Message},
		"id":      uuid.NewString(),
	})
	if err != nil {
		return models.ErrorResult("encode request: %v", err)
	}
	endpoint := strings.TrimRight(a.URL, "/") + "/agent/" + url.PathEscape(a.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.ErrorResult("bad url %s: %v", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	client := http.DefaultClient
	if s.svc != nil && s.svc.HTTPClient != nil {
		client = s.svc.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.ErrorResult("send to %s: %v", endpoint, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return models.ErrorResult("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return models.ErrorResult("remote server returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcResp struct {
		Result struct {
			Content string `json:"content"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return models.ErrorResult("malformed response: %v", err)
	}
	if rpcResp.Error != nil {
		return models.ErrorResult("remote error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return models.ToolResult{Output: rpcResp.Result.Content}
}
