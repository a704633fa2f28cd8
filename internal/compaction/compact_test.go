package compaction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus3/internal/contextmgr"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// scriptedProvider returns a fixed summary and records the prompt it saw.
type scriptedProvider struct {
	summary string
	lastReq *providers.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *providers.Request) (<-chan models.StreamEvent, error) {
	p.lastReq = req
	events := make(chan models.StreamEvent, 2)
	events <- models.StreamEvent{ContentDelta: p.summary}
	events <- models.StreamEvent{Complete: &models.Message{
		Role:    models.RoleAssistant,
		Content: p.summary,
	}}
	close(events)
	return events, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
}

func TestSplitKeepsAtLeastOne(t *testing.T) {
	e := New(Config{PreserveRatio: 0.5})
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("x", 4000)},
	}
	toSummarize, preserved := e.Split(msgs, 10)
	if len(preserved) != 1 {
		t.Fatalf("preserved %d, want 1", len(preserved))
	}
	if len(toSummarize) != 0 {
		t.Errorf("nothing should be summarized for a single message")
	}
}

func TestSplitNewestFirst(t *testing.T) {
	e := New(Config{PreserveRatio: 0.5})
	var msgs []models.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, models.Message{
			Role:    models.RoleUser,
			Content: strings.Repeat("word ", 40),
		})
	}
	toSummarize, preserved := e.Split(msgs, 200)
	if len(toSummarize) == 0 || len(preserved) == 0 {
		t.Fatalf("split degenerate: %d/%d", len(toSummarize), len(preserved))
	}
	if len(toSummarize)+len(preserved) != len(msgs) {
		t.Error("split must partition the history")
	}
}

func TestCompactSplicesSummary(t *testing.T) {
	mgr := contextmgr.New(contextmgr.Config{MaxTokens: 100000})
	mgr.SetSystemPrompt("Be brief.")
	for i := 0; i < 20; i++ {
		mgr.AddUserMessage(strings.Repeat("old message content here ", 10))
	}

	p := &scriptedProvider{summary: "They discussed old messages."}
	e := New(Config{Provider: p, PreserveRatio: 0.001, Now: fixedNow})

	res, err := e.Compact(context.Background(), mgr)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(res.Summarized) == 0 {
		t.Fatal("nothing summarized")
	}

	msgs := mgr.Messages()
	first := msgs[0]
	if first.Role != models.RoleUser {
		t.Errorf("summary role = %v, want user", first.Role)
	}
	wantPrefix := "[CONTEXT SUMMARY - Generated: 2026-03-14 09:30]"
	if !strings.HasPrefix(first.Content, wantPrefix) {
		t.Errorf("summary prefix = %q", first.Content[:min(len(first.Content), 60)])
	}
	if !strings.Contains(first.Content, "They discussed old messages.") {
		t.Error("summary body missing")
	}
	if len(msgs) != 1+len(res.Preserved) {
		t.Errorf("context = %d messages, want %d", len(msgs), 1+len(res.Preserved))
	}
	if mgr.SystemPrompt() != "Be brief." {
		t.Error("system prompt must survive compaction")
	}
}

func TestCompactNothingToDo(t *testing.T) {
	mgr := contextmgr.New(contextmgr.Config{MaxTokens: 100000})
	mgr.AddUserMessage("only message")

	e := New(Config{Provider: &scriptedProvider{summary: "s"}})
	if _, err := e.Compact(context.Background(), mgr); err != ErrNothingToCompact {
		t.Errorf("err = %v, want ErrNothingToCompact", err)
	}
}

func TestSummarizeRedactsTranscript(t *testing.T) {
	p := &scriptedProvider{summary: "done"}
	e := New(Config{Provider: p})

	_, err := e.Summarize(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "api_key = sk-abcdefghijklmnopqrstuvwxyz123456789012345678"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	sent := p.lastReq.Messages[0].Content
	if strings.Contains(sent, "123456789012345678") {
		t.Error("secret leaked to summarizer")
	}
	if !strings.Contains(sent, "[REDACTED]") {
		t.Error("redaction marker missing")
	}
}

func TestTranscriptFormat(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "run it"},
		{
			Role:    models.RoleAssistant,
			Content: "calling",
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "echo", Arguments: map[string]any{"message": "hi"}},
			},
		},
		{Role: models.RoleTool, Content: "Echo: hi", ToolCallID: "c1"},
	}
	out := Transcript(msgs)
	for _, want := range []string{
		"USER: run it\n",
		"ASSISTANT: calling\n",
		`-> echo({"message":"hi"})`,
		"TOOL[c1]: Echo: hi\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("transcript missing %q:\n%s", want, out)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
