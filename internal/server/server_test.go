package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus3/internal/permissions"
	"github.com/haasonsaas/nexus3/internal/persist"
	"github.com/haasonsaas/nexus3/internal/pool"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/rpc"
	"github.com/haasonsaas/nexus3/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubProvider answers every turn with a fixed assistant message.
type stubProvider struct {
	reply string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Stream(ctx context.Context, req *providers.Request) (<-chan models.StreamEvent, error) {
	ch := make(chan models.StreamEvent, 2)
	go func() {
		defer close(ch)
		ch <- models.StreamEvent{ContentDelta: p.reply}
		ch <- models.StreamEvent{Complete: &models.Message{Role: models.RoleAssistant, Content: p.reply}}
	}()
	return ch, nil
}

func newTestServer(t *testing.T, rate float64, burst int) *Server {
	t.Helper()
	logger := testLogger()
	pm, err := persist.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	provider := &stubProvider{reply: "hello from provider"}
	p := pool.New(pool.Config{
		Provider:     provider,
		Model:        "test-model",
		SystemPrompt: "Be brief.",
		Level:        permissions.LevelTrusted,
		WorkingDir:   t.TempDir(),
		Persist:      pm,
		Logger:       logger,
	})
	srv, err := New(Config{
		TokenPath: filepath.Join(t.TempDir(), "token"),
		RateLimit: rate,
		RateBurst: burst,
		Pool:      p,
		Persist:   pm,
		Provider:  provider,
		Model:     "test-model",
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func bearer(t *testing.T, srv *Server) string {
	t.Helper()
	token, err := srv.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	return token
}

func rpcBody(t *testing.T, method string, params any) []byte {
	t.Helper()
	req := map[string]any{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func post(srv *Server, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)
	return rec
}

// wireResponse keeps the result undecoded so each test can pick its shape.
type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
}

func decodeWire(t *testing.T, rec *httptest.ResponseRecorder) *wireResponse {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var wire wireResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &wire); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &wire
}

func result(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	wire := decodeWire(t, rec)
	if wire.Error != nil {
		t.Fatalf("rpc error: %v", wire.Error)
	}
	if err := json.Unmarshal(wire.Result, dst); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"nexus3"`)) {
		t.Errorf("body = %s, want the nexus3 marker", rec.Body.String())
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	body := rpcBody(t, "list_agents", nil)

	rec := post(srv, "/", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
	}

	rec = post(srv, "/", "forged-token", body)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	rec = post(srv, "/", bearer(t, srv), body)
	if rec.Code != http.StatusOK {
		t.Errorf("minted token: status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMalformedRequests(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := bearer(t, srv)

	wire := decodeWire(t, post(srv, "/", token, []byte("{not json")))
	if wire.Error == nil || wire.Error.Code != rpc.CodeParseError {
		t.Errorf("parse error = %v, want code %d", wire.Error, rpc.CodeParseError)
	}

	wire = decodeWire(t, post(srv, "/", token, []byte(`{"jsonrpc":"1.0","method":"list_agents","id":1}`)))
	if wire.Error == nil || wire.Error.Code != rpc.CodeInvalidRequest {
		t.Errorf("version error = %v, want code %d", wire.Error, rpc.CodeInvalidRequest)
	}
}

func TestGlobalAgentLifecycle(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := bearer(t, srv)

	var created struct {
		AgentID string `json:"agent_id"`
	}
	result(t, post(srv, "/", token, rpcBody(t, "create_agent", map[string]string{"name": "worker-1"})), &created)
	if created.AgentID != "worker-1" {
		t.Fatalf("created agent_id = %q", created.AgentID)
	}

	var listed struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
		} `json:"agents"`
	}
	result(t, post(srv, "/rpc", token, rpcBody(t, "list_agents", nil)), &listed)
	if len(listed.Agents) != 1 || listed.Agents[0].AgentID != "worker-1" {
		t.Fatalf("agents = %+v", listed.Agents)
	}

	var destroyed struct {
		Destroyed string `json:"destroyed"`
	}
	result(t, post(srv, "/", token, rpcBody(t, "destroy_agent", map[string]string{"agent_id": "worker-1"})), &destroyed)
	if destroyed.Destroyed != "worker-1" {
		t.Fatalf("destroyed = %q", destroyed.Destroyed)
	}

	result(t, post(srv, "/", token, rpcBody(t, "list_agents", nil)), &listed)
	if len(listed.Agents) != 0 {
		t.Errorf("agents after destroy = %+v", listed.Agents)
	}
}

func TestSendOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := bearer(t, srv)
	result(t, post(srv, "/", token, rpcBody(t, "create_agent", map[string]string{"name": "worker-1"})), &struct{}{})

	var reply struct {
		Content string `json:"content"`
		Halted  bool   `json:"halted_at_iteration_limit"`
	}
	result(t, post(srv, "/agent/worker-1", token, rpcBody(t, "send", map[string]string{"content": "hi"})), &reply)
	if reply.Content != "hello from provider" {
		t.Errorf("content = %q", reply.Content)
	}
	if reply.Halted {
		t.Error("halted_at_iteration_limit = true for a plain reply")
	}
}

func TestUnknownAgent(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	wire := decodeWire(t, post(srv, "/agent/ghost", bearer(t, srv), rpcBody(t, "get_context", nil)))
	if wire.Error == nil || wire.Error.Code != rpc.CodeAgentNotFound {
		t.Errorf("error = %v, want code %d", wire.Error, rpc.CodeAgentNotFound)
	}
}

// A saved then destroyed agent comes back transparently on its next request.
func TestAgentAutoRestoreOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	token := bearer(t, srv)

	result(t, post(srv, "/", token, rpcBody(t, "create_agent", map[string]string{"name": "worker-1"})), &struct{}{})
	result(t, post(srv, "/agent/worker-1", token, rpcBody(t, "send", map[string]string{"content": "hi"})), &struct{}{})

	var saved struct {
		Saved string `json:"saved"`
	}
	result(t, post(srv, "/agent/worker-1", token, rpcBody(t, "save", nil)), &saved)
	if saved.Saved != "worker-1" {
		t.Fatalf("saved = %q", saved.Saved)
	}
	result(t, post(srv, "/", token, rpcBody(t, "destroy_agent", map[string]string{"agent_id": "worker-1"})), &struct{}{})

	var restored struct {
		SystemPrompt string `json:"system_prompt"`
		Messages     []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	result(t, post(srv, "/agent/worker-1", token, rpcBody(t, "get_context", nil)), &restored)
	if restored.SystemPrompt != "Be brief." {
		t.Errorf("system_prompt = %q", restored.SystemPrompt)
	}
	if len(restored.Messages) != 2 ||
		restored.Messages[0].Role != "user" || restored.Messages[1].Role != "assistant" {
		t.Fatalf("restored messages = %+v", restored.Messages)
	}

	// The restored agent is live again and keeps answering.
	var reply struct {
		Content string `json:"content"`
	}
	result(t, post(srv, "/agent/worker-1", token, rpcBody(t, "send", map[string]string{"content": "again"})), &reply)
	if reply.Content != "hello from provider" {
		t.Errorf("content after restore = %q", reply.Content)
	}
}

func TestRateLimitSheds(t *testing.T) {
	srv := newTestServer(t, 1, 1)
	token := bearer(t, srv)
	body := rpcBody(t, "list_agents", nil)

	if rec := post(srv, "/", token, body); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec := post(srv, "/", token, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without a Retry-After header")
	}

	// The probe endpoint is never shed.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	hrec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(hrec, req)
	if hrec.Code != http.StatusOK {
		t.Errorf("healthz while limited: status = %d", hrec.Code)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func occupantPort(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	occupant := httptest.NewServer(handler)
	t.Cleanup(occupant.Close)
	return occupant.Listener.Addr().(*net.TCPAddr).Port
}

func TestListenDistinguishesOccupants(t *testing.T) {
	srv := newTestServer(t, 0, 0)

	srv.cfg.Port = occupantPort(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, healthBody)
	})
	if err := srv.ListenAndServe(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("against a running nexus3: err = %v, want ErrAlreadyRunning", err)
	}

	srv.cfg.Port = occupantPort(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "something else")
	})
	if err := srv.ListenAndServe(); !errors.Is(err, ErrPortInUse) {
		t.Errorf("against a foreign server: err = %v, want ErrPortInUse", err)
	}
}

func TestServeLifecycle(t *testing.T) {
	srv := newTestServer(t, 0, 0)
	srv.cfg.Port = freePort(t)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	base := fmt.Sprintf("http://127.0.0.1:%d", srv.cfg.Port)
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// The token file appears only after a successful bind.
	written, err := os.ReadFile(srv.cfg.TokenPath)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if len(bytes.TrimSpace(written)) == 0 {
		t.Fatal("token file is empty")
	}
	if err := srv.tokens.Verify(string(bytes.TrimSpace(written))); err != nil {
		t.Errorf("written token does not verify: %v", err)
	}

	srv.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe after Shutdown = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after Shutdown")
	}
	if _, err := os.Stat(srv.cfg.TokenPath); !os.IsNotExist(err) {
		t.Errorf("token file still present after shutdown: %v", err)
	}
}
