package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/haasonsaas/coachd/internal/agent"
)

type fakeConverse struct {
	inputs  []*bedrockruntime.ConverseInput
	outputs []*bedrockruntime.ConverseOutput
	errs    []error
}

func (f *fakeConverse) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	i := len(f.inputs)
	f.inputs = append(f.inputs, params)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.outputs[i], nil
}

func toolUseOutput(name string, input any) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "ok"},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tooluse_1"),
					Name:      aws.String(name),
					Input:     document.NewLazyDocument(input),
				}},
			},
		}},
		StopReason: types.StopReasonToolUse,
		Usage: &types.TokenUsage{
			InputTokens:           aws.Int32(80),
			OutputTokens:          aws.Int32(9),
			TotalTokens:           aws.Int32(89),
			CacheReadInputTokens:  aws.Int32(500),
			CacheWriteInputTokens: aws.Int32(30),
		},
	}
}

func TestBedrockComplete(t *testing.T) {
	fake := &fakeConverse{outputs: []*bedrockruntime.ConverseOutput{toolUseOutput("idle", map[string]any{"summary": "done"})}}
	provider := newBedrockProvider(fake, "", fastRetry(1))

	resp, err := provider.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ToolCall.Name != "idle" || resp.ToolCall.ID != "tooluse_1" || string(resp.ToolCall.Input) != `{"summary":"done"}` {
		t.Fatalf("ToolCall = %+v (%s)", resp.ToolCall, resp.ToolCall.Input)
	}
	want := agent.Usage{InputTokens: 80, OutputTokens: 9, CacheReadTokens: 500, CacheWriteTokens: 30}
	if resp.Usage != want || resp.StopReason != "tool_use" || resp.Model != defaultBedrockModel {
		t.Fatalf("unexpected response %+v", resp)
	}

	input := fake.inputs[0]
	if _, ok := input.ToolConfig.ToolChoice.(*types.ToolChoiceMemberAny); !ok {
		t.Fatalf("ToolChoice = %T", input.ToolConfig.ToolChoice)
	}
	if len(input.System) != 4 {
		t.Fatalf("expected two system texts with cache points, got %d blocks", len(input.System))
	}
	last := input.Messages[len(input.Messages)-1].Content
	if _, ok := last[len(last)-1].(*types.ContentBlockMemberCachePoint); !ok {
		t.Fatalf("expected trailing cache point, got %T", last[len(last)-1])
	}
}

func TestBedrockRetriesThrottling(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests"}
	fake := &fakeConverse{
		errs:    []error{throttled, nil},
		outputs: []*bedrockruntime.ConverseOutput{nil, toolUseOutput("ask", map[string]any{"question": "?"})},
	}
	provider := newBedrockProvider(fake, "model-x", fastRetry(2))

	resp, err := provider.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(fake.inputs) != 2 || resp.ToolCall.Name != "ask" {
		t.Fatalf("expected a retry, got %d calls", len(fake.inputs))
	}
}

func TestBedrockValidationErrorIsPermanent(t *testing.T) {
	fake := &fakeConverse{errs: []error{&smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}}}
	provider := newBedrockProvider(fake, "model-x", fastRetry(3))

	_, err := provider.Complete(context.Background(), testRequest())
	perr, ok := GetProviderError(err)
	if !ok || perr.Reason != FailoverInvalidRequest || perr.Message != "bad input" {
		t.Fatalf("unexpected error %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("calls = %d, want 1", len(fake.inputs))
	}
}

func TestBedrockNoToolUse(t *testing.T) {
	fake := &fakeConverse{outputs: []*bedrockruntime.ConverseOutput{{
		Output:     &types.ConverseOutputMemberMessage{Value: types.Message{Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "hi"}}}},
		StopReason: types.StopReasonEndTurn,
	}}}
	resp, err := newBedrockProvider(fake, "", fastRetry(1)).Complete(context.Background(), testRequest())
	if !errors.Is(err, agent.ErrNoToolCall) {
		t.Fatalf("expected ErrNoToolCall, got %v", err)
	}
	if resp == nil || resp.StopReason != string(types.StopReasonEndTurn) {
		t.Fatalf("response should be returned with the error, got %+v", resp)
	}
}
