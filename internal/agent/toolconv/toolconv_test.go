package toolconv

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/coachd/internal/agent"
	"google.golang.org/genai"
)

var testDefs = []agent.ToolDefinition{
	{
		Name:        "log_workout",
		Description: "Record a workout",
		Schema:      json.RawMessage(`{"type":"object","properties":{"kind":{"type":"string","enum":["run","ride"]},"sets":{"type":"array","items":{"type":"integer"}}},"required":["kind"]}`),
	},
	{
		Name:        "broken",
		Description: "Bad schema",
		Schema:      json.RawMessage(`{not-json}`),
		Cache:       true,
	},
}

func TestToBedrockTools(t *testing.T) {
	cfg := ToBedrockTools(testDefs, &types.ToolChoiceMemberAny{})
	if cfg == nil || len(cfg.Tools) != 3 {
		t.Fatalf("expected 2 tools and a cache point, got %#v", cfg)
	}

	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("expected ToolMemberToolSpec, got %T", cfg.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "log_workout" {
		t.Fatalf("unexpected tool name: %#v", spec.Value.Name)
	}
	if spec.Value.InputSchema == nil {
		t.Fatalf("expected input schema to be set")
	}
	if _, ok := cfg.Tools[2].(*types.ToolMemberCachePoint); !ok {
		t.Fatalf("expected cache point after cached tool, got %T", cfg.Tools[2])
	}
	if _, ok := cfg.ToolChoice.(*types.ToolChoiceMemberAny); !ok {
		t.Fatalf("expected any tool choice, got %T", cfg.ToolChoice)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools(testDefs)
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Fatalf("broken schema should fall back to an empty object, got %#v", tools[1].Function.Parameters)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools(testDefs)
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one declaration, got %#v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Parameters.Type != genai.TypeObject {
		t.Fatalf("Type = %q", decl.Parameters.Type)
	}
	kind := decl.Parameters.Properties["kind"]
	if kind == nil || len(kind.Enum) != 2 || decl.Parameters.Required[0] != "kind" {
		t.Fatalf("unexpected schema %#v", decl.Parameters)
	}
	if sets := decl.Parameters.Properties["sets"]; sets == nil || sets.Items == nil || sets.Items.Type != genai.TypeInteger {
		t.Fatalf("unexpected array schema %#v", sets)
	}
}

func TestToAnthropicTools(t *testing.T) {
	if _, err := ToAnthropicTools(testDefs); err == nil {
		t.Fatal("expected error for invalid schema")
	}
	tools, err := ToAnthropicTools(testDefs[:1])
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "log_workout" {
		t.Fatalf("unexpected tool %#v", tools[0])
	}

	cached := testDefs[0]
	cached.Cache = true
	param, err := ToAnthropicTool(cached)
	if err != nil {
		t.Fatalf("ToAnthropicTool() error = %v", err)
	}
	raw, _ := json.Marshal(param)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if _, ok := decoded["cache_control"]; !ok {
		t.Fatalf("expected cache_control in %s", raw)
	}
}
