// Package providers implements agent.LLMProvider for the supported model APIs.
//
// Every provider forces a tool call and returns exactly one of them. Prompt
// caching breakpoints on tools, system blocks and content blocks map to the
// provider's native mechanism where one exists.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/agent/toolconv"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicProvider implements agent.LLMProvider for Anthropic's Messages API.
// It is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        retrier
}

// AnthropicConfig holds configuration for NewAnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	// Default: "claude-sonnet-4-20250514"
	DefaultModel string

	Retry RetryConfig
}

// NewAnthropicProvider creates an Anthropic provider. SDK-level retries are
// disabled; retries go through RetryConfig.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultAnthropicModel
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		retry:        newRetrier("anthropic", config.Retry),
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete sends a non-streaming Messages request with tool_choice any (or
// the named tool) and parallel tool use disabled.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	msg, err := call(ctx, p.retry, model, func(ctx context.Context) (*anthropic.Message, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return msg, nil
	})
	if err != nil {
		return nil, err
	}
	return p.convertResponse(msg)
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	tools, err := toolconv.ToAnthropicTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:      anthropic.Model(model),
		Messages:   messages,
		MaxTokens:  int64(getMaxTokens(req.MaxTokens)),
		Tools:      tools,
		ToolChoice: anthropicToolChoice(req.ToolChoice),
	}
	for _, block := range req.System {
		if block.Text == "" {
			continue
		}
		param := anthropic.TextBlockParam{Text: block.Text}
		if block.Cache {
			param.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, param)
	}
	return params, nil
}

func anthropicToolChoice(choice agent.ToolChoice) anthropic.ToolChoiceUnionParam {
	if choice.Name != "" {
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{
			Name:                   choice.Name,
			DisableParallelToolUse: anthropic.Bool(true),
		}}
	}
	return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{
		DisableParallelToolUse: anthropic.Bool(true),
	}}
}

func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		content := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			param, err := anthropicBlock(block)
			if err != nil {
				return nil, err
			}
			content = append(content, param)
		}
		if msg.Role == agent.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func anthropicBlock(block agent.ContentBlock) (anthropic.ContentBlockParamUnion, error) {
	switch block.Type {
	case agent.BlockToolUse:
		var input any = map[string]any{}
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &input); err != nil {
				return anthropic.ContentBlockParamUnion{}, fmt.Errorf("invalid tool call input: %w", err)
			}
		}
		param := anthropic.NewToolUseBlock(block.ToolCallID, input, block.ToolName)
		if block.Cache && param.OfToolUse != nil {
			param.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return param, nil
	case agent.BlockToolResult:
		param := anthropic.NewToolResultBlock(block.ToolCallID, block.Text, block.IsError)
		if block.Cache && param.OfToolResult != nil {
			param.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return param, nil
	default:
		param := anthropic.NewTextBlock(block.Text)
		if block.Cache && param.OfText != nil {
			param.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		return param, nil
	}
}

func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) (*agent.CompletionResponse, error) {
	var calls []agent.ToolCall
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		calls = append(calls, agent.ToolCall{
			ID:    block.ID,
			Name:  block.Name,
			Input: json.RawMessage(block.Input),
		})
	}
	resp := &agent.CompletionResponse{
		Provider:   p.Name(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:      msg.Usage.InputTokens,
			OutputTokens:     msg.Usage.OutputTokens,
			CacheReadTokens:  msg.Usage.CacheReadInputTokens,
			CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
		},
	}
	first, dropped, err := agent.SingleToolCall(calls)
	if err != nil {
		return resp, fmt.Errorf("anthropic: %w (stop_reason=%s)", err, msg.StopReason)
	}
	resp.ToolCall = first
	resp.Dropped = dropped
	return resp, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			providerErr.WithMessage(payload.Error.Message)
			if payload.Error.Type != "" {
				providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr.WithRequestID(payload.RequestID)
			}
		}
	}
	return providerErr
}
