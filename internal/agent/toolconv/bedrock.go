package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/haasonsaas/coachd/internal/agent"
)

// ToBedrockTools converts tool definitions to a Converse tool configuration.
// A cache point follows every definition marked Cache. choice may be nil.
func ToBedrockTools(defs []agent.ToolDefinition, choice types.ToolChoice) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(defs)+1)
	for _, def := range defs {
		var schema any
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
		if def.Cache {
			bedrockTools = append(bedrockTools, &types.ToolMemberCachePoint{
				Value: types.CachePointBlock{Type: types.CachePointTypeDefault},
			})
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools, ToolChoice: choice}
}
