package logwriter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// VerboseWriter extends the markdown log with the detail the context log
// omits: model reasoning between turns and tool output without the clip.
type VerboseWriter struct {
	*MarkdownWriter
}

// NewVerboseWriter creates a verbose writer with the same header-once and
// symlink-safe semantics as the context log.
func NewVerboseWriter(path, title string, logger *slog.Logger) (*VerboseWriter, error) {
	mw, err := NewMarkdownWriter(path, title, logger)
	if err != nil {
		return nil, err
	}
	return &VerboseWriter{MarkdownWriter: mw}, nil
}

// WriteThinking logs one turn's accumulated reasoning. Blank reasoning is
// skipped so providers without a reasoning channel leave no empty sections.
func (w *VerboseWriter) WriteThinking(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	w.append(fmt.Sprintf("### Thinking [%s]\n\n%s\n\n", w.stamp(), text))
}

// WriteToolResult logs one tool result in full.
func (w *VerboseWriter) WriteToolResult(name string, result models.ToolResult) {
	status := "success"
	body := result.Output
	if !result.Success() {
		status = "error"
		body = result.Error
	}
	w.append(fmt.Sprintf("### Tool Result: %s (%s)\n\n```\n%s\n```\n\n", name, status, body))
}
