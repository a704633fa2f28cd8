// Package logwriter implements the per-session human-readable markdown log
// and the raw JSONL provider I/O log. All appends go through symlink-safe
// opens; log files are owner-only.
package logwriter

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus3/internal/safefile"
	"github.com/haasonsaas/nexus3/pkg/models"
)

// maxToolOutput is the length at which tool output is clipped in the
// markdown log.
const maxToolOutput = 2000

// MarkdownWriter appends human-readable conversation sections to a
// markdown file.
type MarkdownWriter struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewMarkdownWriter creates a writer and writes the file header if the file
// does not exist yet. The parent directory must already exist.
func NewMarkdownWriter(path, title string, logger *slog.Logger) (*MarkdownWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &MarkdownWriter{path: path, logger: logger, now: time.Now}

	f, err := safefile.AppendFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		header := fmt.Sprintf("# %s\n\nStarted: %s\n\n", title,
			w.now().Format("2006-01-02 15:04:05"))
		if _, err := f.WriteString(header); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *MarkdownWriter) append(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := safefile.AppendFile(w.path)
	if err != nil {
		w.logger.Warn("markdown log append failed", "path", w.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		w.logger.Warn("markdown log write failed", "path", w.path, "error", err)
	}
}

func (w *MarkdownWriter) stamp() string {
	return w.now().Format("15:04:05")
}

// WriteSystem logs the system prompt.
func (w *MarkdownWriter) WriteSystem(prompt string) {
	w.append("## System\n\n" + prompt + "\n\n")
}

// WriteUser logs a user message.
func (w *MarkdownWriter) WriteUser(content string) {
	w.append(fmt.Sprintf("## User [%s]\n\n%s\n\n", w.stamp(), content))
}

// WriteAssistant logs an assistant message, including any tool calls.
func (w *MarkdownWriter) WriteAssistant(msg models.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "## Assistant [%s]\n\n", w.stamp())
	if msg.Content != "" {
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	if len(msg.ToolCalls) > 0 {
		b.WriteString("### Tool Calls\n\n")
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "- %s(%s)\n", tc.Name, tc.ArgumentsJSON())
		}
		b.WriteString("\n")
	}
	w.append(b.String())
}

// WriteToolResult logs one tool result, clipping long output.
func (w *MarkdownWriter) WriteToolResult(name string, result models.ToolResult) {
	status := "success"
	body := result.Output
	if !result.Success() {
		status = "error"
		body = result.Error
	}
	if len(body) > maxToolOutput {
		body = body[:maxToolOutput] + "\n(truncated)"
	}
	w.append(fmt.Sprintf("### Tool Result: %s (%s)\n\n```\n%s\n```\n\n", name, status, body))
}
