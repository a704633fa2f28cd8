package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus3/internal/config"
	"github.com/haasonsaas/nexus3/internal/rpc"
)

// runConnect attaches the REPL to a running server. The API token comes
// from NEXUS_TOKEN or the server's token file.
func runConnect(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, opts.verbose)

	token, err := readToken(cfg)
	if err != nil {
		return err
	}
	client := &rpcClient{
		base:   strings.TrimRight(opts.connectURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 10 * time.Minute},
	}

	if err := ensureRemoteAgent(ctx, client, replAgentID); err != nil {
		return err
	}
	logger.Debug("connected", "url", client.base, "agent_id", replAgentID)

	reader := bufio.NewReader(os.Stdin)
	return runREPL(ctx, &remoteRunner{client: client, agentID: replAgentID}, reader, os.Stdout)
}

// readToken resolves the server API token: the environment wins, then the
// token file the server wrote after binding.
func readToken(cfg *config.Config) (string, error) {
	if token := os.Getenv(config.EnvToken); token != "" {
		return token, nil
	}
	data, err := os.ReadFile(cfg.TokenPath())
	if err != nil {
		return "", fmt.Errorf("no API token: set %s or start the server to write %s: %w",
			config.EnvToken, cfg.TokenPath(), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ensureRemoteAgent creates the REPL agent on the server unless it is
// already live there.
func ensureRemoteAgent(ctx context.Context, c *rpcClient, agentID string) error {
	raw, err := c.call(ctx, "/rpc", "list_agents", nil)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	var result struct {
		Agents []struct {
			ID string `json:"agent_id"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode agent list: %w", err)
	}
	for _, a := range result.Agents {
		if a.ID == agentID {
			return nil
		}
	}
	_, err = c.call(ctx, "/rpc", "create_agent", map[string]any{"name": agentID})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// rpcClient speaks JSON-RPC 2.0 over HTTP with bearer authentication.
type rpcClient struct {
	base   string
	token  string
	client *http.Client
}

// wireResponse mirrors rpc.Response with an undecoded raw result so callers
// can unmarshal into their own shapes.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
	ID      any             `json:"id"`
}

func (c *rpcClient) call(ctx context.Context, path, method string, params any) (json.RawMessage, error) {
	payload := rpc.Request{JSONRPC: "2.0", Method: method, ID: uuid.NewString()}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		payload.Params = b
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if wire.Error != nil {
		return nil, wire.Error
	}
	return wire.Result, nil
}

// remoteRunner sends each turn to a server-side agent. Cancel posts a
// cancel for the request id of the turn in flight.
type remoteRunner struct {
	client  *rpcClient
	agentID string

	mu      sync.Mutex
	pending string
}

func (r *remoteRunner) Turn(ctx context.Context, input string, out io.Writer) error {
	requestID := uuid.NewString()
	r.setPending(requestID)
	defer r.setPending("")

	raw, err := r.client.call(ctx, r.agentPath(), "send", map[string]any{
		"content":    input,
		"request_id": requestID,
	})
	if err != nil {
		return err
	}
	var result struct {
		Content string `json:"content"`
		Halted  bool   `json:"halted_at_iteration_limit"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode send result: %w", err)
	}
	fmt.Fprintln(out, result.Content)
	if result.Halted {
		fmt.Fprintln(out, "[halted at iteration limit]")
	}
	return nil
}

func (r *remoteRunner) Cancel() {
	r.mu.Lock()
	requestID := r.pending
	r.mu.Unlock()
	if requestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.client.call(ctx, r.agentPath(), "cancel", map[string]any{
		"request_id": requestID,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
	}
}

func (r *remoteRunner) setPending(requestID string) {
	r.mu.Lock()
	r.pending = requestID
	r.mu.Unlock()
}

func (r *remoteRunner) agentPath() string {
	return "/agent/" + url.PathEscape(r.agentID)
}
