package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/agent/toolconv"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// converseAPI is the subset of the Bedrock runtime client the provider uses.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements agent.LLMProvider with the Bedrock Converse API.
// Cache breakpoints become Converse cache points.
type BedrockProvider struct {
	client       converseAPI
	defaultModel string
	retry        retrier
}

// BedrockConfig holds configuration for NewBedrockProvider. Static
// credentials are optional; without them the default AWS chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	Retry           RetryConfig
}

// NewBedrockProvider creates a Bedrock provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		o.RetryMaxAttempts = 1
	})
	return newBedrockProvider(client, cfg.DefaultModel, cfg.Retry), nil
}

func newBedrockProvider(client converseAPI, defaultModel string, retry RetryConfig) *BedrockProvider {
	if defaultModel == "" {
		defaultModel = defaultBedrockModel
	}
	return &BedrockProvider{
		client:       client,
		defaultModel: defaultModel,
		retry:        newRetrier("bedrock", retry),
	}
}

func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Complete calls Converse with tool choice any (or the named tool).
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	input, err := buildConverseInput(req, model)
	if err != nil {
		return nil, err
	}

	out, err := call(ctx, p.retry, model, func(ctx context.Context) (*bedrockruntime.ConverseOutput, error) {
		out, err := p.client.Converse(ctx, input)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return p.convertResponse(out, model)
}

func buildConverseInput(req *agent.CompletionRequest, model string) (*bedrockruntime.ConverseInput, error) {
	messages, err := convertToBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	var choice types.ToolChoice = &types.ToolChoiceMemberAny{Value: types.AnyToolChoice{}}
	if req.ToolChoice.Name != "" {
		choice = &types.ToolChoiceMemberTool{Value: types.SpecificToolChoice{Name: aws.String(req.ToolChoice.Name)}}
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(min(getMaxTokens(req.MaxTokens), math.MaxInt32))),
		},
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools, choice)
	}
	for _, block := range req.System {
		if block.Text == "" {
			continue
		}
		input.System = append(input.System, &types.SystemContentBlockMemberText{Value: block.Text})
		if block.Cache {
			input.System = append(input.System, &types.SystemContentBlockMemberCachePoint{Value: cachePoint()})
		}
	}
	return input, nil
}

func cachePoint() types.CachePointBlock {
	return types.CachePointBlock{Type: types.CachePointTypeDefault}
}

func convertToBedrockMessages(messages []agent.CompletionMessage) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		for _, block := range msg.Blocks {
			switch block.Type {
			case agent.BlockToolUse:
				var input any = map[string]any{}
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(block.ToolCallID),
					Name:      aws.String(block.ToolName),
					Input:     document.NewLazyDocument(input),
				}})
			case agent.BlockToolResult:
				status := types.ToolResultStatusSuccess
				if block.IsError {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(block.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: block.Text}},
					Status:    status,
				}})
			default:
				if block.Text == "" {
					continue
				}
				content = append(content, &types.ContentBlockMemberText{Value: block.Text})
			}
			if block.Cache {
				content = append(content, &types.ContentBlockMemberCachePoint{Value: cachePoint()})
			}
		}

		role := types.ConversationRoleUser
		if msg.Role == agent.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		if len(content) > 0 {
			result = append(result, types.Message{Role: role, Content: content})
		}
	}
	return result, nil
}

func (p *BedrockProvider) convertResponse(out *bedrockruntime.ConverseOutput, model string) (*agent.CompletionResponse, error) {
	var calls []agent.ToolCall
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			toolUse, ok := block.(*types.ContentBlockMemberToolUse)
			if !ok {
				continue
			}
			input := []byte("{}")
			if toolUse.Value.Input != nil {
				if raw, err := toolUse.Value.Input.MarshalSmithyDocument(); err == nil {
					input = raw
				}
			}
			calls = append(calls, agent.ToolCall{
				ID:    aws.ToString(toolUse.Value.ToolUseId),
				Name:  aws.ToString(toolUse.Value.Name),
				Input: input,
			})
		}
	}

	resp := &agent.CompletionResponse{
		Provider:   p.Name(),
		Model:      model,
		StopReason: string(out.StopReason),
	}
	if usage := out.Usage; usage != nil {
		resp.Usage = agent.Usage{
			InputTokens:      int64(aws.ToInt32(usage.InputTokens)),
			OutputTokens:     int64(aws.ToInt32(usage.OutputTokens)),
			CacheReadTokens:  int64(aws.ToInt32(usage.CacheReadInputTokens)),
			CacheWriteTokens: int64(aws.ToInt32(usage.CacheWriteInputTokens)),
		}
	}
	first, dropped, err := agent.SingleToolCall(calls)
	if err != nil {
		return resp, fmt.Errorf("bedrock: %w (stop_reason=%s)", err, out.StopReason)
	}
	resp.ToolCall = first
	resp.Dropped = dropped
	return resp, nil
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		perr := NewProviderError("bedrock", model, err).WithCode(apiErr.ErrorCode())
		return perr.WithMessage(apiErr.ErrorMessage())
	}
	return NewProviderError("bedrock", model, err)
}
