// Package compaction reclaims context budget by summarizing old history
// into a single synthetic message via a one-shot provider call. Secret
// material is redacted from the transcript before it leaves the process.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nexus3/internal/contextmgr"
	"github.com/haasonsaas/nexus3/internal/providers"
	"github.com/haasonsaas/nexus3/internal/tokens"
	"github.com/haasonsaas/nexus3/pkg/models"
)

const (
	// DefaultPreserveRatio is the share of the available budget reserved
	// for the newest messages that survive compaction verbatim.
	DefaultPreserveRatio = 0.3

	// DefaultMaxSummaryTokens bounds the summarizer's response.
	DefaultMaxSummaryTokens = 1024

	summaryTimeFormat = "2006-01-02 15:04"
)

// ErrNothingToCompact is returned when the history is too short to split
// into a summarized prefix and a preserved suffix.
var ErrNothingToCompact = errors.New("compaction: nothing to compact")

// Config configures an Engine.
type Config struct {
	Provider providers.Provider

	// Model passed to the summarization request; empty uses the
	// provider's default.
	Model string

	Counter tokens.Counter

	// PreserveRatio is the fraction of the available budget kept for
	// verbatim recent messages. Clamped to [0, 1].
	PreserveRatio float64

	MaxSummaryTokens int

	Logger *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time
}

// Engine drives one compaction pass.
type Engine struct {
	provider         providers.Provider
	model            string
	counter          tokens.Counter
	preserveRatio    float64
	maxSummaryTokens int
	logger           *slog.Logger
	now              func() time.Time
}

// Result reports what a compaction pass did.
type Result struct {
	// Summary is the synthetic user message spliced in place of the
	// summarized prefix.
	Summary models.Message

	// Preserved are the newest messages kept verbatim.
	Preserved []models.Message

	// Summarized are the messages the summary replaced, oldest first.
	Summarized []models.Message
}

// New creates a compaction engine.
func New(cfg Config) *Engine {
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewHeuristicCounter()
	}
	if cfg.PreserveRatio <= 0 || cfg.PreserveRatio > 1 {
		cfg.PreserveRatio = DefaultPreserveRatio
	}
	if cfg.MaxSummaryTokens <= 0 {
		cfg.MaxSummaryTokens = DefaultMaxSummaryTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		provider:         cfg.Provider,
		model:            cfg.Model,
		counter:          cfg.Counter,
		preserveRatio:    cfg.PreserveRatio,
		maxSummaryTokens: cfg.MaxSummaryTokens,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}
}

// Split partitions messages into the summarized prefix and the preserved
// suffix. The preserved set is built newest-first under a budget of
// floor(available * preserveRatio); at least one message is always
// preserved.
func (e *Engine) Split(msgs []models.Message, available int) (toSummarize, preserved []models.Message) {
	if len(msgs) == 0 {
		return nil, nil
	}
	budget := int(float64(available) * e.preserveRatio)

	used := 0
	cut := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := e.counter.CountMessages(msgs[i : i+1])
		if cut < len(msgs) && used+cost > budget {
			break
		}
		cut = i
		used += cost
	}
	return msgs[:cut], msgs[cut:]
}

// Compact summarizes the manager's old history and atomically replaces its
// messages with the summary plus the preserved suffix. The system prompt is
// untouched.
func (e *Engine) Compact(ctx context.Context, mgr *contextmgr.Manager) (*Result, error) {
	msgs := mgr.Messages()
	toSummarize, preserved := e.Split(msgs, mgr.AvailableBudget())
	if len(toSummarize) == 0 {
		return nil, ErrNothingToCompact
	}

	summaryText, err := e.Summarize(ctx, toSummarize)
	if err != nil {
		return nil, err
	}

	summary := models.Message{
		Role: models.RoleUser,
		Content: fmt.Sprintf("[CONTEXT SUMMARY - Generated: %s]\n%s",
			e.now().Format(summaryTimeFormat), summaryText),
	}

	replacement := make([]models.Message, 0, len(preserved)+1)
	replacement = append(replacement, summary)
	replacement = append(replacement, preserved...)
	mgr.ReplaceMessages(replacement)

	e.logger.Info("context compacted",
		"summarized", len(toSummarize),
		"preserved", len(preserved),
		"summary_length", len(summaryText))

	return &Result{
		Summary:    summary,
		Preserved:  preserved,
		Summarized: toSummarize,
	}, nil
}

// Summarize sends the redacted transcript to the provider in one
// non-streaming call and returns the model's summary text.
func (e *Engine) Summarize(ctx context.Context, msgs []models.Message) (string, error) {
	if e.provider == nil {
		return "", errors.New("compaction: no provider configured")
	}
	transcript := Redact(Transcript(msgs))

	req := &providers.Request{
		Model: e.model,
		System: "You summarize conversation transcripts. Produce a concise summary " +
			"that preserves key facts, decisions, tool outcomes, and open threads.",
		Messages: []models.Message{{
			Role:    models.RoleUser,
			Content: "Summarize the following conversation:\n\n" + transcript,
		}},
		MaxTokens: e.maxSummaryTokens,
	}

	final, err := providers.Complete(ctx, e.provider, req)
	if err != nil {
		return "", fmt.Errorf("compaction: summarization failed: %w", err)
	}
	text := strings.TrimSpace(final.Content)
	if text == "" {
		return "", errors.New("compaction: summarizer returned empty text")
	}
	return text, nil
}

// Transcript renders messages as role-tagged lines for the summarization
// prompt. Tool calls render as "-> name(args)" under their assistant line;
// tool results render as "TOOL[call-id]: output".
func Transcript(msgs []models.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			b.WriteString("ASSISTANT: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "-> %s(%s)\n", tc.Name, tc.ArgumentsJSON())
			}
		case models.RoleTool:
			fmt.Fprintf(&b, "TOOL[%s]: %s\n", m.ToolCallID, m.Content)
		case models.RoleSystem:
			b.WriteString("SYSTEM: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		default:
			b.WriteString("USER: ")
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
