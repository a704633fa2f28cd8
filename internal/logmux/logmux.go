// Package logmux routes raw provider I/O events to per-agent log sinks.
// One provider instance is shared by every agent, so the provider talks to
// a single RawLogger: the multiplexer. The current agent travels in the
// request context, which makes the scope task-local by construction; two
// concurrent requests for different agents cannot leak logs across each
// other.
package logmux

import (
	"context"
	"sync"

	"github.com/haasonsaas/nexus3/internal/providers"
)

type agentKey struct{}

// WithAgent returns a context scoped to the given agent id. Scopes nest;
// the innermost id wins.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentFromContext returns the agent id in scope, if any.
func AgentFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(agentKey{}).(string)
	return id, ok
}

// Multiplexer fans provider log events out to the sink of the agent named
// by the context. Events with no agent in scope, or an unregistered agent,
// are dropped silently: a late-destroyed agent must not crash an in-flight
// response.
type Multiplexer struct {
	mu    sync.RWMutex
	sinks map[string]providers.RawLogger
}

// New creates an empty multiplexer.
func New() *Multiplexer {
	return &Multiplexer{sinks: make(map[string]providers.RawLogger)}
}

// Register installs an agent's sink, replacing any previous one.
func (m *Multiplexer) Register(agentID string, sink providers.RawLogger) {
	m.mu.Lock()
	m.sinks[agentID] = sink
	m.mu.Unlock()
}

// Unregister removes an agent's sink.
func (m *Multiplexer) Unregister(agentID string) {
	m.mu.Lock()
	delete(m.sinks, agentID)
	m.mu.Unlock()
}

func (m *Multiplexer) sink(ctx context.Context) providers.RawLogger {
	id, ok := AgentFromContext(ctx)
	if !ok {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sinks[id]
}

// OnRequest forwards to the in-scope agent's sink.
func (m *Multiplexer) OnRequest(ctx context.Context, endpoint string, payload any) {
	if s := m.sink(ctx); s != nil {
		s.OnRequest(ctx, endpoint, payload)
	}
}

// OnResponse forwards to the in-scope agent's sink.
func (m *Multiplexer) OnResponse(ctx context.Context, status int, body string) {
	if s := m.sink(ctx); s != nil {
		s.OnResponse(ctx, status, body)
	}
}

// OnChunk forwards to the in-scope agent's sink.
func (m *Multiplexer) OnChunk(ctx context.Context, chunk any) {
	if s := m.sink(ctx); s != nil {
		s.OnChunk(ctx, chunk)
	}
}

// OnStreamComplete forwards to the in-scope agent's sink.
func (m *Multiplexer) OnStreamComplete(ctx context.Context, summary providers.StreamSummary) {
	if s := m.sink(ctx); s != nil {
		s.OnStreamComplete(ctx, summary)
	}
}
