package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus3/pkg/models"
)

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// interface. Safe for concurrent use; each Stream call owns its own SSE
// stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	raw          RawLogger
	logger       *slog.Logger
}

// AnthropicConfig configures the adapter.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the default API endpoint.
	BaseURL string

	DefaultModel string

	// Raw receives raw request/response/chunk logs; nil disables.
	Raw RawLogger

	Logger *slog.Logger
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Raw == nil {
		cfg.Raw = NopRawLogger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		raw:          cfg.Raw,
		logger:       cfg.Logger,
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream opens a streaming Messages request and normalizes the SSE events
// into StreamEvents.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	p.raw.OnRequest(ctx, "v1/messages", params)

	start := time.Now()
	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan models.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)
		defer stream.Close()

		agg := newToolCallAggregator()
		var content string
		summary := StreamSummary{}

		// Maps content block index to the aggregator index for tool_use
		// blocks; text and thinking blocks have no entry.
		toolBlocks := map[int]bool{}

		for stream.Next() {
			event := stream.Current()
			summary.EventCount++
			p.raw.OnChunk(ctx, event)

			switch event.Type {
			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if cbs.ContentBlock.Type == "tool_use" {
					tu := cbs.ContentBlock.AsToolUse()
					idx := int(cbs.Index)
					toolBlocks[idx] = true
					part := agg.add(idx, tu.ID, tu.Name, "")
					events <- models.StreamEvent{ToolCallStarted: &models.ToolCallStart{
						Index: idx, ID: part.id, Name: part.name,
					}}
				}

			case "content_block_delta":
				cbd := event.AsContentBlockDelta()
				switch cbd.Delta.Type {
				case "text_delta":
					if cbd.Delta.Text != "" {
						content += cbd.Delta.Text
						events <- models.StreamEvent{ContentDelta: cbd.Delta.Text}
					}
				case "thinking_delta":
					if cbd.Delta.Thinking != "" {
						events <- models.StreamEvent{ReasoningDelta: cbd.Delta.Thinking}
					}
				case "input_json_delta":
					idx := int(cbd.Index)
					if toolBlocks[idx] && cbd.Delta.PartialJSON != "" {
						agg.add(idx, "", "", cbd.Delta.PartialJSON)
					}
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Delta.StopReason != "" {
					summary.FinishReason = string(md.Delta.StopReason)
				}

			case "message_stop":
				summary.ReceivedDone = true
			}
		}

		if err := stream.Err(); err != nil {
			p.raw.OnStreamComplete(ctx, summary)
			events <- models.StreamEvent{Err: fmt.Errorf("anthropic: %w", err)}
			return
		}

		calls := agg.finalize(p.logger)
		summary.ContentLength = len(content)
		summary.ToolCallCount = len(calls)
		summary.DurationMS = time.Since(start).Milliseconds()
		p.raw.OnStreamComplete(ctx, summary)

		events <- models.StreamEvent{Complete: &models.Message{
			Role:      models.RoleAssistant,
			Content:   content,
			ToolCalls: calls,
		}}
	}()

	return events, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	system, msgs := splitSystem(req)

	messages, err := convertAnthropicMessages(msgs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps the runtime's flat role/content history onto
// Anthropic's content-block framing. Tool result messages become user
// messages carrying a tool_result block bound to the originating call id.
func convertAnthropicMessages(msgs []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			// Handled via params.System upstream.
			continue
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.ArgumentsJSON(), &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool call %s has invalid arguments: %w", tc.ID, err)
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		case models.RoleTool:
			isError := strings.HasPrefix(m.Content, "Error: ")
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, isError),
			))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return result, nil
}

func convertAnthropicTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		result = append(result, tool)
	}
	return result, nil
}
