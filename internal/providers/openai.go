package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus3/pkg/models"
)

const streamBufferSize = 64

// OpenAIProvider adapts the OpenAI chat completions API (and API-compatible
// backends such as OpenRouter) to the Provider interface.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	raw          RawLogger
	logger       *slog.Logger
}

// OpenAIConfig configures the adapter.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. Used for OpenRouter and other
	// OpenAI-compatible backends.
	BaseURL string

	// Name identifies the provider in logs; defaults to "openai".
	Name string

	DefaultModel string

	// Raw receives raw request/response/chunk logs; nil disables.
	Raw RawLogger

	Logger *slog.Logger
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	if cfg.Raw == nil {
		cfg.Raw = NopRawLogger()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		raw:          cfg.Raw,
		logger:       cfg.Logger,
	}
}

// NewOpenRouter creates an OpenAI-compatible provider pointed at OpenRouter.
func NewOpenRouter(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Name == "" {
		cfg.Name = "openrouter"
	}
	return NewOpenAI(cfg)
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream opens a streaming completion and normalizes the chunked deltas
// into StreamEvents.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan models.StreamEvent, error) {
	oaReq := p.buildRequest(req)
	p.raw.OnRequest(ctx, "chat/completions", oaReq)

	start := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, oaReq)
	if err != nil {
		p.raw.OnResponse(ctx, 0, truncateForLog(err.Error(), 2000))
		return nil, err
	}

	events := make(chan models.StreamEvent, streamBufferSize)
	go func() {
		defer close(events)
		defer stream.Close()

		agg := newToolCallAggregator()
		var content string
		summary := StreamSummary{}

		for {
			resp, recvErr := stream.Recv()
			if errors.Is(recvErr, io.EOF) {
				summary.ReceivedDone = true
				break
			}
			if recvErr != nil {
				p.raw.OnStreamComplete(ctx, summary)
				events <- models.StreamEvent{Err: recvErr}
				return
			}
			summary.EventCount++
			p.raw.OnChunk(ctx, resp)

			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				summary.FinishReason = string(choice.FinishReason)
			}
			if choice.Delta.ReasoningContent != "" {
				events <- models.StreamEvent{ReasoningDelta: choice.Delta.ReasoningContent}
			}
			if choice.Delta.Content != "" {
				content += choice.Delta.Content
				events <- models.StreamEvent{ContentDelta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				fresh := agg.partials[idx] == nil
				agg.add(idx, tc.ID, tc.Function.Name, tc.Function.Arguments)
				if fresh {
					p := agg.partials[idx]
					events <- models.StreamEvent{ToolCallStarted: &models.ToolCallStart{
						Index: idx, ID: p.id, Name: p.name,
					}}
				}
			}
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

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	system, msgs := splitSystem(req)

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			oaMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				oaMsg.ToolCalls = append(oaMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.ArgumentsJSON()),
					},
				})
			}
			oaMsgs = append(oaMsgs, oaMsg)
		case models.RoleTool:
			oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}

	var tools []openai.Tool
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  oaMsgs,
		Tools:     tools,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
}
