package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/agent/toolconv"
	"google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.0-flash"

// GoogleProvider implements agent.LLMProvider for the Gemini API.
//
// Gemini's implicit caching needs no markers, so breakpoints are ignored.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	retry        retrier
}

// GoogleConfig holds configuration for NewGoogleProvider.
type GoogleConfig struct {
	APIKey  string
	BaseURL string

	// Default: "gemini-2.0-flash"
	DefaultModel string

	Retry RetryConfig
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultGoogleModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		retry:        newRetrier("google", config.Retry),
	}, nil
}

func (p *GoogleProvider) Name() string {
	return "google"
}

// Complete calls GenerateContent with function calling mode ANY.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := convertToGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	resp, err := call(ctx, p.retry, model, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return p.convertResponse(resp, model)
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(min(getMaxTokens(req.MaxTokens), math.MaxInt32)),
		Tools:           toolconv.ToGeminiTools(req.Tools),
	}

	var system []*genai.Part
	for _, block := range req.System {
		if block.Text != "" {
			system = append(system, &genai.Part{Text: block.Text})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: system}
	}

	calling := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}
	if req.ToolChoice.Name != "" {
		calling.AllowedFunctionNames = []string{req.ToolChoice.Name}
	}
	config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: calling}
	return config
}

// convertToGeminiContents maps messages to Gemini contents. Function
// responses need the function name, which is recovered from the earlier
// call with the same id.
func convertToGeminiContents(messages []agent.CompletionMessage) []*genai.Content {
	names := map[string]string{}
	result := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == agent.RoleAssistant {
			content.Role = genai.RoleModel
		}

		for _, block := range msg.Blocks {
			switch block.Type {
			case agent.BlockToolUse:
				names[block.ToolCallID] = block.ToolName
				var args map[string]any
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   block.ToolCallID,
					Name: block.ToolName,
					Args: args,
				}})
			case agent.BlockToolResult:
				response := map[string]any{"output": block.Text}
				if block.IsError {
					response = map[string]any{"error": block.Text}
				}
				content.Parts = append(content.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       block.ToolCallID,
					Name:     names[block.ToolCallID],
					Response: response,
				}})
			default:
				if block.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: block.Text})
				}
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *GoogleProvider) convertResponse(resp *genai.GenerateContentResponse, model string) (*agent.CompletionResponse, error) {
	if resp == nil {
		return nil, fmt.Errorf("google: %w (empty response)", agent.ErrNoToolCall)
	}

	var calls []agent.ToolCall
	for _, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil || fc.Args == nil {
			args = []byte("{}")
		}
		calls = append(calls, agent.ToolCall{ID: fc.ID, Name: fc.Name, Input: args})
	}

	stopReason := ""
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		stopReason = string(resp.Candidates[0].FinishReason)
	}
	out := &agent.CompletionResponse{
		Provider:   p.Name(),
		Model:      model,
		StopReason: stopReason,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = agent.Usage{
			InputTokens:     int64(usage.PromptTokenCount - usage.CachedContentTokenCount),
			OutputTokens:    int64(usage.CandidatesTokenCount),
			CacheReadTokens: int64(usage.CachedContentTokenCount),
		}
	}
	first, dropped, err := agent.SingleToolCall(calls)
	if err != nil {
		return out, fmt.Errorf("google: %w (finish_reason=%s)", err, stopReason)
	}
	out.ToolCall = first
	out.Dropped = dropped
	return out, nil
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return (&ProviderError{Provider: "google", Model: model, Cause: err, Reason: ClassifyError(err)}).
			WithStatus(apiErr.Code).
			WithMessage(apiErr.Message).
			WithCode(apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return (&ProviderError{Provider: "google", Model: model, Cause: err, Reason: ClassifyError(err)}).
			WithStatus(apiErrPtr.Code).
			WithMessage(apiErrPtr.Message).
			WithCode(apiErrPtr.Status)
	}
	return NewProviderError("google", model, err)
}
