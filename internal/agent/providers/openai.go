package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/agent/toolconv"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.LLMProvider for OpenAI chat completions.
//
// OpenAI caches prompt prefixes automatically, so cache breakpoints are not
// sent; cached prompt tokens are still reported as cache reads.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	retry        retrier
}

// OpenAIConfig holds configuration for NewOpenAIProvider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL targets OpenAI-compatible endpoints.
	BaseURL string

	// Default: "gpt-4o"
	DefaultModel string

	Retry RetryConfig
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		retry:        newRetrier("openai", config.Retry),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete sends a chat completion with tool_choice required (or the named
// function) and parallel tool calls disabled.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:             model,
		Messages:          convertToOpenAIMessages(req.System, req.Messages),
		MaxTokens:         getMaxTokens(req.MaxTokens),
		Tools:             toolconv.ToOpenAITools(req.Tools),
		ToolChoice:        openAIToolChoice(req.ToolChoice),
		ParallelToolCalls: false,
	}

	resp, err := call(ctx, p.retry, model, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return resp, p.wrapError(err, model)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return p.convertResponse(resp)
}

func openAIToolChoice(choice agent.ToolChoice) any {
	if choice.Name != "" {
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}
	}
	return "required"
}

// convertToOpenAIMessages flattens system blocks into one system message and
// splits tool results out of user messages into tool-role messages, which
// must directly follow the assistant message that made the call.
func convertToOpenAIMessages(system []agent.SystemBlock, messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	var systemText []string
	for _, block := range system {
		if block.Text != "" {
			systemText = append(systemText, block.Text)
		}
	}
	if len(systemText) > 0 {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: strings.Join(systemText, "\n\n"),
		})
	}

	for _, msg := range messages {
		var text []string
		switch msg.Role {
		case agent.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, block := range msg.Blocks {
				switch block.Type {
				case agent.BlockToolUse:
					args := string(block.Input)
					if args == "" {
						args = "{}"
					}
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:   block.ToolCallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      block.ToolName,
							Arguments: args,
						},
					})
				case agent.BlockText:
					text = append(text, block.Text)
				}
			}
			out.Content = strings.Join(text, "\n\n")
			result = append(result, out)
		default:
			for _, block := range msg.Blocks {
				if block.Type == agent.BlockToolResult {
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    block.Text,
						ToolCallID: block.ToolCallID,
					})
					continue
				}
				text = append(text, block.Text)
			}
			if len(text) > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(text, "\n\n"),
				})
			}
		}
	}
	return result
}

func (p *OpenAIProvider) convertResponse(resp openai.ChatCompletionResponse) (*agent.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w (no choices)", agent.ErrNoToolCall)
	}
	choice := resp.Choices[0]

	calls := make([]agent.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, agent.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	usage := agent.Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if details := resp.Usage.PromptTokensDetails; details != nil && details.CachedTokens > 0 {
		usage.CacheReadTokens = int64(details.CachedTokens)
		usage.InputTokens -= usage.CacheReadTokens
	}
	out := &agent.CompletionResponse{
		Provider:   p.Name(),
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage:      usage,
	}
	first, dropped, err := agent.SingleToolCall(calls)
	if err != nil {
		return out, fmt.Errorf("openai: %w (finish_reason=%s)", err, choice.FinishReason)
	}
	out.ToolCall = first
	out.Dropped = dropped
	return out, nil
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := (&ProviderError{Provider: "openai", Model: model, Cause: err, Reason: FailoverUnknown}).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr.WithCode(code)
		} else if apiErr.Type != "" {
			perr.WithCode(apiErr.Type)
		}
		return perr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return (&ProviderError{Provider: "openai", Model: model, Cause: err, Reason: ClassifyError(err), Message: err.Error()}).
			WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}
