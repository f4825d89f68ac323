package toolconv

import (
	"encoding/json"

	"github.com/haasonsaas/coachd/internal/agent"
	openai "github.com/sashabaranov/go-openai"
)

// ToOpenAITools converts tool definitions to OpenAI function tools. An
// unparseable schema degrades to an empty object schema.
func ToOpenAITools(defs []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var schemaMap map[string]any
		if err := json.Unmarshal(def.Schema, &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
