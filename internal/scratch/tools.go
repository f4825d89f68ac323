package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/haasonsaas/coachd/internal/agent"
)

var errUnavailable = errors.New("scratch storage is unavailable")

// RegisterTools adds scratch_write and scratch_read to the registry.
func RegisterTools(r *agent.ToolRegistry) error {
	for _, tool := range []agent.Tool{WriteTool{}, ReadTool{}} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// WriteTool stores a JSON value under a key. A null value deletes the key.
type WriteTool struct{}

type writeInput struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (WriteTool) Name() string { return "scratch_write" }

func (WriteTool) Description() string {
	return "Save a JSON value in this session's scratch space for later tool calls. Pass null to delete the key. The user never sees scratch values."
}

func (WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string", "minLength": 1, "maxLength": 128},
			"value": {"description": "Any JSON value, or null to delete"}
		},
		"required": ["key", "value"],
		"additionalProperties": false
	}`)
}

func (WriteTool) Execute(ctx context.Context, env *agent.ToolEnv, params json.RawMessage) (*agent.ToolOutput, error) {
	if env.Scratch == nil {
		return nil, errUnavailable
	}
	var input writeInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if len(input.Value) == 0 || string(input.Value) == "null" {
		if err := env.Scratch.Delete(ctx, env.SessionID, input.Key); err != nil {
			return nil, err
		}
		return &agent.ToolOutput{Text: fmt.Sprintf("deleted %s", input.Key)}, nil
	}
	if err := env.Scratch.Put(ctx, env.SessionID, input.Key, input.Value); err != nil {
		return nil, err
	}
	return &agent.ToolOutput{Text: fmt.Sprintf("saved %s", input.Key)}, nil
}

func (WriteTool) Format(out *agent.ToolOutput) string { return agent.FormatOutput(out) }

// ReadTool returns a value saved with scratch_write.
type ReadTool struct{}

func (ReadTool) Name() string { return "scratch_read" }

func (ReadTool) Description() string {
	return "Read a value saved earlier in this session with scratch_write. Omit key to list saved keys."
}

func (ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string"}
		},
		"additionalProperties": false
	}`)
}

func (ReadTool) Execute(ctx context.Context, env *agent.ToolEnv, params json.RawMessage) (*agent.ToolOutput, error) {
	if env.Scratch == nil {
		return nil, errUnavailable
	}
	var input struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if input.Key == "" {
		lister, ok := env.Scratch.(interface{ Keys(string) []string })
		if !ok {
			return nil, errors.New("key is required")
		}
		keys := lister.Keys(env.SessionID)
		sort.Strings(keys)
		return &agent.ToolOutput{Data: map[string]any{"keys": keys}}, nil
	}
	value, ok, err := env.Scratch.Get(ctx, env.SessionID, input.Key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no scratch value for %q", input.Key)
	}
	return &agent.ToolOutput{Data: value}, nil
}

func (ReadTool) Format(out *agent.ToolOutput) string { return agent.FormatOutput(out) }
