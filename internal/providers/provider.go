// Package providers defines the abstract streaming LLM provider interface
// and the adapters that normalize concrete wire formats (OpenAI chunked
// deltas, Anthropic SSE events) into the runtime's StreamEvent vocabulary.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// Request contains all parameters for a provider turn.
type Request struct {
	Model     string                  `json:"model"`
	System    string                  `json:"system,omitempty"`
	Messages  []models.Message        `json:"messages"`
	Tools     []models.ToolDefinition `json:"tools,omitempty"`
	MaxTokens int                     `json:"max_tokens,omitempty"`
}

// Provider is the abstract streaming interface the session loop consumes.
//
// Implementations must be safe for concurrent use: one provider instance is
// shared by every agent in the pool. The returned channel delivers any
// number of delta events and always terminates with exactly one Complete
// event, or an Err event on failure. An empty upstream response still emits
// one synthetic Complete with an empty message so consumers see a uniform
// shape.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error)
}

// Complete runs a request to completion without streaming, returning the
// final assembled message. Used by the compaction engine for one-shot
// summarization.
func Complete(ctx context.Context, p Provider, req *Request) (*models.Message, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var final *models.Message
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Complete != nil {
			final = ev.Complete
		}
	}
	if final == nil {
		return nil, fmt.Errorf("provider %s: stream ended without completion", p.Name())
	}
	return final, nil
}

// StreamSummary is the terminal record of one raw-logged stream.
type StreamSummary struct {
	EventCount    int    `json:"event_count"`
	ContentLength int    `json:"content_length"`
	ToolCallCount int    `json:"tool_call_count"`
	ReceivedDone  bool   `json:"received_done"`
	FinishReason  string `json:"finish_reason,omitempty"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// RawLogger receives the raw provider I/O of a stream. The log multiplexer
// implements it and routes each event to the sink of the agent identified
// by the context; providers only ever talk to one RawLogger.
type RawLogger interface {
	OnRequest(ctx context.Context, endpoint string, payload any)
	OnResponse(ctx context.Context, status int, body string)
	OnChunk(ctx context.Context, chunk any)
	OnStreamComplete(ctx context.Context, summary StreamSummary)
}

// nopRawLogger drops everything. Installed when raw logging is off.
type nopRawLogger struct{}

func (nopRawLogger) OnRequest(context.Context, string, any)          {}
func (nopRawLogger) OnResponse(context.Context, int, string)         {}
func (nopRawLogger) OnChunk(context.Context, any)                    {}
func (nopRawLogger) OnStreamComplete(context.Context, StreamSummary) {}

// NopRawLogger returns a RawLogger that discards all events.
func NopRawLogger() RawLogger { return nopRawLogger{} }

// splitSystem extracts a leading system message when the request carries
// none in its System field. Providers that frame the system prompt
// separately (both adapters here) call this first.
func splitSystem(req *Request) (string, []models.Message) {
	system := req.System
	msgs := req.Messages
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		if system == "" {
			system = msgs[0].Content
		} else {
			system = system + "\n\n" + msgs[0].Content
		}
		msgs = msgs[1:]
	}
	return system, msgs
}

// truncateForLog clips long payload text in raw log bodies.
func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// IsRetryable reports whether a provider error looks transient (HTTP 429 or
// 5xx). The session loop retries such failures once before propagating.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"429", "500", "502", "503", "504", "overloaded", "rate limit"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
