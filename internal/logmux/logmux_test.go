package logmux

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/haasonsaas/nexus3/internal/providers"
)

// recordingSink captures every event it receives, tagged by kind.
type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) record(entry string) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func (s *recordingSink) OnRequest(_ context.Context, endpoint string, _ any) {
	s.record("request:" + endpoint)
}

func (s *recordingSink) OnResponse(_ context.Context, status int, _ string) {
	s.record(fmt.Sprintf("response:%d", status))
}

func (s *recordingSink) OnChunk(_ context.Context, chunk any) {
	s.record(fmt.Sprintf("chunk:%v", chunk))
}

func (s *recordingSink) OnStreamComplete(_ context.Context, summary providers.StreamSummary) {
	s.record(fmt.Sprintf("complete:%d", summary.EventCount))
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

func TestAgentContextScoping(t *testing.T) {
	ctx := context.Background()
	if id, ok := AgentFromContext(ctx); ok || id != "" {
		t.Errorf("bare context has agent %q", id)
	}

	ctx = WithAgent(ctx, "outer")
	inner := WithAgent(ctx, "inner")
	if id, _ := AgentFromContext(inner); id != "inner" {
		t.Errorf("innermost scope must win, got %q", id)
	}
	if id, _ := AgentFromContext(ctx); id != "outer" {
		t.Errorf("outer scope changed, got %q", id)
	}
}

func TestRoutesByAgent(t *testing.T) {
	mux := New()
	a := &recordingSink{}
	b := &recordingSink{}
	mux.Register("agent-a", a)
	mux.Register("agent-b", b)

	ctxA := WithAgent(context.Background(), "agent-a")
	ctxB := WithAgent(context.Background(), "agent-b")

	mux.OnRequest(ctxA, "v1/messages", nil)
	mux.OnChunk(ctxB, "b1")
	mux.OnResponse(ctxA, 200, "ok")
	mux.OnStreamComplete(ctxB, providers.StreamSummary{EventCount: 2})

	gotA := a.snapshot()
	if len(gotA) != 2 || gotA[0] != "request:v1/messages" || gotA[1] != "response:200" {
		t.Errorf("sink a = %v", gotA)
	}
	gotB := b.snapshot()
	if len(gotB) != 2 || gotB[0] != "chunk:b1" || gotB[1] != "complete:2" {
		t.Errorf("sink b = %v", gotB)
	}
}

func TestDropsUnscopedAndUnknown(t *testing.T) {
	mux := New()
	sink := &recordingSink{}
	mux.Register("agent-a", sink)

	// No agent in scope.
	mux.OnRequest(context.Background(), "chat/completions", nil)
	// Unregistered agent.
	mux.OnChunk(WithAgent(context.Background(), "ghost"), "x")
	// Unregistered after removal.
	mux.Unregister("agent-a")
	mux.OnResponse(WithAgent(context.Background(), "agent-a"), 500, "late")

	if got := sink.snapshot(); len(got) != 0 {
		t.Errorf("dropped events reached a sink: %v", got)
	}
}

func TestConcurrentAgentsDoNotCrossContaminate(t *testing.T) {
	mux := New()
	sinks := map[string]*recordingSink{
		"worker-1": {},
		"worker-2": {},
	}
	for id, s := range sinks {
		mux.Register(id, s)
	}

	const perAgent = 200
	var wg sync.WaitGroup
	for id := range sinks {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			ctx := WithAgent(context.Background(), agentID)
			for i := 0; i < perAgent; i++ {
				mux.OnChunk(ctx, agentID)
			}
			mux.OnStreamComplete(ctx, providers.StreamSummary{EventCount: perAgent})
		}(id)
	}
	wg.Wait()

	for id, s := range sinks {
		got := s.snapshot()
		if len(got) != perAgent+1 {
			t.Errorf("%s: %d entries, want %d", id, len(got), perAgent+1)
		}
		for _, entry := range got[:len(got)-1] {
			if entry != "chunk:"+id {
				t.Fatalf("%s received foreign entry %q", id, entry)
			}
		}
	}
}
