package contextmgr

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus3/pkg/models"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func newTestManager(maxTokens int, strategy Strategy) *Manager {
	return New(Config{
		MaxTokens: maxTokens,
		Reserve:   1,
		Strategy:  strategy,
		Now:       fixedNow,
	})
}

func TestAddAndBuildOrder(t *testing.T) {
	m := newTestManager(100000, StrategyOldestFirst)
	m.SetSystemPrompt("Be brief.")
	m.AddUserMessage("Say 'hi'")
	if err := m.AddAssistantMessage(models.Message{Content: "hi"}); err != nil {
		t.Fatalf("AddAssistantMessage: %v", err)
	}

	built := m.BuildMessages()
	if len(built) != 3 {
		t.Fatalf("built %d messages, want 3", len(built))
	}
	if built[0].Role != models.RoleSystem {
		t.Errorf("first built message role = %v, want system", built[0].Role)
	}
	if built[1].Content != "Say 'hi'" || built[2].Content != "hi" {
		t.Error("messages out of order")
	}
}

func TestEmptyAssistantRejected(t *testing.T) {
	m := newTestManager(100000, StrategyOldestFirst)
	if err := m.AddAssistantMessage(models.Message{}); err == nil {
		t.Fatal("empty assistant message must be rejected")
	}
	if m.MessageCount() != 0 {
		t.Error("rejected message must not be appended")
	}

	// Tool calls without content are fine.
	err := m.AddAssistantMessage(models.Message{
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo"}},
	})
	if err != nil {
		t.Errorf("assistant with tool calls should be accepted: %v", err)
	}
}

func TestToolResultBinding(t *testing.T) {
	m := newTestManager(100000, StrategyOldestFirst)
	m.AddUserMessage("run it")
	_ = m.AddAssistantMessage(models.Message{
		ToolCalls: []models.ToolCall{{ID: "call-1", Name: "echo"}},
	})
	m.AddToolResult("call-1", "echo", models.ToolResult{Output: "Echo: world"})

	msgs := m.Messages()
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "call-1" {
		t.Errorf("tool result not bound to call: %+v", last)
	}
	if last.Content != "Echo: world" {
		t.Errorf("tool content = %q", last.Content)
	}

	m.AddToolResult("call-1", "echo", models.ToolResult{Error: "boom"})
	msgs = m.Messages()
	if got := msgs[len(msgs)-1].Content; got != "Error: boom" {
		t.Errorf("error result content = %q", got)
	}
}

// assertGroupIntegrity checks that every assistant-with-tool-calls is
// followed by exactly one tool message per call id, in order, with nothing
// interleaved, and that no tool message is orphaned.
func assertGroupIntegrity(t *testing.T, msgs []models.Message) {
	t.Helper()
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			for _, tc := range msg.ToolCalls {
				i++
				if i >= len(msgs) || msgs[i].Role != models.RoleTool || msgs[i].ToolCallID != tc.ID {
					t.Fatalf("tool call %s has no matching tool message in position %d", tc.ID, i)
				}
			}
			i++
			continue
		}
		if msg.Role == models.RoleTool {
			t.Fatalf("orphaned tool message at %d (call id %s)", i, msg.ToolCallID)
		}
		i++
	}
}

func TestTruncationPreservesGroups(t *testing.T) {
	m := newTestManager(120, StrategyOldestFirst)

	for i := 0; i < 20; i++ {
		m.AddUserMessage(fmt.Sprintf("filler message number %d with padding", i))
	}
	_ = m.AddAssistantMessage(models.Message{
		Content:   "calling",
		ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "echo", Arguments: map[string]any{"message": "x"}}},
	})
	m.AddToolResult("tc-1", "echo", models.ToolResult{Output: "Echo: x"})
	for i := 0; i < 20; i++ {
		m.AddUserMessage(fmt.Sprintf("trailing message number %d with padding", i))
	}

	built := m.BuildMessages()
	assertGroupIntegrity(t, built)
	if len(built) >= 42 {
		t.Error("expected truncation to drop messages")
	}
}

func TestTruncationIdempotent(t *testing.T) {
	m := newTestManager(60, StrategyOldestFirst)
	for i := 0; i < 30; i++ {
		m.AddUserMessage(fmt.Sprintf("message %d with some padding text here", i))
	}

	first := m.BuildMessages()
	second := m.BuildMessages()
	if len(first) != len(second) {
		t.Fatalf("builds diverge: %d vs %d messages", len(first), len(second))
	}
	for i := range first {
		if first[i].Content != second[i].Content {
			t.Fatalf("message %d differs between builds", i)
		}
	}
}

func TestTruncationKeepsAtLeastOneMessage(t *testing.T) {
	m := newTestManager(10, StrategyOldestFirst)
	m.AddUserMessage(strings.Repeat("long message ", 100))
	m.AddUserMessage(strings.Repeat("another long message ", 100))

	built := m.BuildMessages()
	if len(built) == 0 {
		t.Fatal("truncation must keep at least one message")
	}
	if got := built[len(built)-1].Content; !strings.HasPrefix(got, "another") {
		t.Error("the newest message should survive")
	}
}

func TestMiddleOutKeepsEnds(t *testing.T) {
	m := newTestManager(60, StrategyMiddleOut)
	m.AddUserMessage("first message anchors the conversation")
	for i := 0; i < 30; i++ {
		m.AddUserMessage(fmt.Sprintf("middle message %d with padding text", i))
	}
	m.AddUserMessage("last message stays")

	built := m.BuildMessages()
	if built[0].Content != "first message anchors the conversation" {
		t.Error("middle_out must keep the first message")
	}
	if built[len(built)-1].Content != "last message stays" {
		t.Error("middle_out must keep the last message")
	}
	if len(built) >= 32 {
		t.Error("middle_out should have dropped middle messages")
	}
}

func TestTokenUsage(t *testing.T) {
	m := newTestManager(1000, StrategyOldestFirst)
	m.SetSystemPrompt("system prompt here")
	m.SetToolDefinitions([]models.ToolDefinition{
		{Name: "echo", Description: "echoes", Parameters: []byte(`{"type":"object"}`)},
	})
	m.AddUserMessage("hello there")

	u := m.TokenUsage()
	if u.System == 0 || u.Tools == 0 || u.Messages == 0 {
		t.Errorf("all usage buckets should be non-zero: %+v", u)
	}
	if u.Total != u.System+u.Tools+u.Messages {
		t.Errorf("total mismatch: %+v", u)
	}
	if u.Budget != 1000 {
		t.Errorf("budget = %d", u.Budget)
	}
	if m.IsOverBudget() {
		t.Error("small context should not be over budget")
	}
}

func TestInjectDatetimeAnchored(t *testing.T) {
	prompt := "Intro mentions # Environment inline.\n# Environment\nOS: linux"
	out := InjectDatetime(prompt, fixedNow())

	lines := strings.Split(out, "\n")
	// The inline mention must not be touched; the stamp lands after the
	// anchored header line.
	if !strings.HasPrefix(lines[0], "Intro mentions") {
		t.Error("first line modified")
	}
	if lines[1] != "# Environment" {
		t.Errorf("header line moved: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "Current datetime: 2026-03-14") {
		t.Errorf("datetime not injected after header: %q", lines[2])
	}
	if lines[3] != "OS: linux" {
		t.Errorf("existing section body lost: %q", lines[3])
	}
}

func TestInjectDatetimeAppendsWhenMissing(t *testing.T) {
	out := InjectDatetime("No environment section.", fixedNow())
	if !strings.Contains(out, "\n\n# Environment\nCurrent datetime: 2026-03-14") {
		t.Errorf("fresh section not appended: %q", out)
	}
}

func TestClearMessages(t *testing.T) {
	m := newTestManager(1000, StrategyOldestFirst)
	m.SetSystemPrompt("keep me")
	m.AddUserMessage("drop me")
	m.ClearMessages()
	if m.MessageCount() != 0 {
		t.Error("messages not cleared")
	}
	if m.SystemPrompt() != "keep me" {
		t.Error("system prompt should survive clear")
	}
}
