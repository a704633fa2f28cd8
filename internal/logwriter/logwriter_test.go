package logwriter

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/pkg/models"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestMarkdownSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.md")

	w, err := NewMarkdownWriter(path, "Session worker-1", nil)
	if err != nil {
		t.Fatalf("NewMarkdownWriter: %v", err)
	}
	w.now = fixedNow

	w.WriteSystem("Be brief.")
	w.WriteUser("Say 'hi'")
	w.WriteAssistant(models.Message{
		Content: "calling",
		ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"message": "x"}},
		},
	})
	w.WriteToolResult("echo", models.ToolResult{Output: "Echo: x"})
	w.WriteToolResult("write_file", models.ToolResult{Error: "permission denied"})

	data, _ := os.ReadFile(path)
	content := string(data)
	for _, want := range []string{
		"# Session worker-1",
		"## System\n\nBe brief.",
		"## User [09:26:53]\n\nSay 'hi'",
		"## Assistant [09:26:53]",
		"### Tool Calls",
		`- echo({"message":"x"})`,
		"### Tool Result: echo (success)",
		"### Tool Result: write_file (error)",
		"permission denied",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestMarkdownTruncatesToolOutput(t *testing.T) {
	dir := t.TempDir()
	w, err := NewMarkdownWriter(filepath.Join(dir, "context.md"), "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	w.WriteToolResult("read_file", models.ToolResult{Output: strings.Repeat("x", 5000)})

	data, _ := os.ReadFile(filepath.Join(dir, "context.md"))
	if !strings.Contains(string(data), "(truncated)") {
		t.Error("long output not truncated")
	}
	if strings.Contains(string(data), strings.Repeat("x", 2001)) {
		t.Error("more than the clip limit was written")
	}
}

func TestMarkdownHeaderOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "context.md")
	w1, _ := NewMarkdownWriter(path, "t", nil)
	w1.WriteUser("one")
	w2, err := NewMarkdownWriter(path, "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	w2.WriteUser("two")

	data, _ := os.ReadFile(path)
	if strings.Count(string(data), "# t\n") != 1 {
		t.Error("header repeated on reopen")
	}
}

func TestMarkdownRefusesMissingParent(t *testing.T) {
	dir := t.TempDir()
	_, err := NewMarkdownWriter(filepath.Join(dir, "missing", "context.md"), "t", nil)
	if err == nil {
		t.Fatal("missing parent must error, not be created")
	}
}

func TestRawWriterEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raw.jsonl")
	w, err := NewRawWriter(path, nil)
	if err != nil {
		t.Fatalf("NewRawWriter: %v", err)
	}
	ctx := context.Background()

	w.OnRequest(ctx, "chat/completions", map[string]any{"model": "m"})
	w.OnChunk(ctx, map[string]any{"delta": "h"})
	w.OnResponse(ctx, 429, "rate limited")
	w.OnStreamComplete(ctx, providers.StreamSummary{
		EventCount: 3, ContentLength: 2, ReceivedDone: true, DurationMS: 12,
	})

	f, _ := os.Open(path)
	defer f.Close()
	var types []string
	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		types = append(types, entry["type"].(string))
		entries = append(entries, entry)
		if entry["timestamp"] == "" {
			t.Error("entry missing timestamp")
		}
	}
	want := []string{"request", "stream_chunk", "response", "stream_complete"}
	if len(types) != len(want) {
		t.Fatalf("types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("entry %d type = %q, want %q", i, types[i], want[i])
		}
	}

	// Summary fields flatten into the stream_complete entry itself.
	last := entries[len(entries)-1]
	if last["event_count"] != float64(3) || last["received_done"] != true {
		t.Errorf("stream_complete fields not inlined: %v", last)
	}
	if _, nested := last["summary"]; nested {
		t.Error("summary must not nest under a key")
	}
}

func TestVerboseWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "verbose.md")
	w, err := NewVerboseWriter(path, "Session worker-1", nil)
	if err != nil {
		t.Fatalf("NewVerboseWriter: %v", err)
	}
	w.now = fixedNow

	w.WriteUser("question")
	w.WriteThinking("considering the options")
	w.WriteThinking("   \n")
	w.WriteToolResult("read_file", models.ToolResult{Output: strings.Repeat("x", 5000)})

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.Contains(content, "### Thinking [09:26:53]\n\nconsidering the options") {
		t.Error("reasoning section missing")
	}
	if strings.Count(content, "### Thinking") != 1 {
		t.Error("blank reasoning must be skipped")
	}
	if !strings.Contains(content, strings.Repeat("x", 5000)) {
		t.Error("verbose log must not clip tool output")
	}
	if strings.Contains(content, "(truncated)") {
		t.Error("verbose log must not mark truncation")
	}
}

func TestStreamFlags(t *testing.T) {
	s := StreamContext | StreamRaw
	if !s.Has(StreamContext) || !s.Has(StreamRaw) {
		t.Error("set flags not reported")
	}
	if s.Has(StreamVerbose) {
		t.Error("unset flag reported")
	}
}

func TestRawWriterRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	os.WriteFile(target, nil, 0o600)
	link := filepath.Join(dir, "raw.jsonl")
	os.Symlink(target, link)

	if _, err := NewRawWriter(link, nil); err == nil {
		t.Fatal("symlinked log path must be refused")
	}
}
