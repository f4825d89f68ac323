package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RegisterControlTools adds notify, ask and idle to the registry. These are
// the only tools the orchestrator interprets itself.
func RegisterControlTools(r *ToolRegistry) error {
	for _, tool := range []Tool{NotifyTool{}, AskTool{}, IdleTool{}} {
		if err := r.register(tool, reservedToolNames[tool.Name()]); err != nil {
			return err
		}
	}
	return nil
}

// NotifyTool sends user-facing text, optionally attaching an artifact
// created earlier in the session.
type NotifyTool struct{}

type notifyArgs struct {
	Message    string `json:"message"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

func (NotifyTool) Name() string { return "notify" }

func (NotifyTool) Description() string {
	return "Send a message to the user. Optionally attach an artifact created earlier in this session by its id. The turn continues after notifying."
}

func (NotifyTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "minLength": 1, "description": "Text shown to the user."},
    "artifact_id": {"type": "string", "description": "Id of an existing artifact to attach."}
  },
  "required": ["message"],
  "additionalProperties": false
}`)
}

func (NotifyTool) Execute(ctx context.Context, env *ToolEnv, raw json.RawMessage) (*ToolOutput, error) {
	var args notifyArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid notify arguments: %w", err)
	}
	out := &ToolOutput{
		Message: args.Message,
		Control: ControlNotify,
		Data:    map[string]any{"delivered": true},
	}

	artifactID := strings.TrimSpace(args.ArtifactID)
	if artifactID == "" {
		return out, nil
	}
	if env.Artifacts == nil {
		out.Warning = fmt.Sprintf("artifact %s could not be attached: artifacts are unavailable", artifactID)
		return out, nil
	}
	artifact, err := env.Artifacts.ResolveArtifact(ctx, env.SessionID, artifactID)
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		out.Warning = fmt.Sprintf("artifact %s not found in this session; message sent without attachment", artifactID)
	case err != nil:
		out.Warning = fmt.Sprintf("artifact %s could not be loaded: %v", artifactID, err)
	default:
		out.Attachment = artifact
		out.Data = map[string]any{"delivered": true, "artifact_id": artifact.ID}
	}
	return out, nil
}

func (NotifyTool) Format(out *ToolOutput) string {
	text := "message delivered to user"
	if out.Attachment != nil {
		text += fmt.Sprintf(" with artifact %s (%s)", out.Attachment.ID, out.Attachment.Type)
	}
	if out.Warning != "" {
		text += "\nwarning: " + out.Warning
	}
	return text
}

// AskTool asks the user a question and ends the turn until they reply.
type AskTool struct{}

func (AskTool) Name() string { return "ask" }

func (AskTool) Description() string {
	return "Ask the user a question when you need their input. The turn ends and resumes when the user replies."
}

func (AskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "question": {"type": "string", "minLength": 1}
  },
  "required": ["question"],
  "additionalProperties": false
}`)
}

func (AskTool) Execute(ctx context.Context, env *ToolEnv, raw json.RawMessage) (*ToolOutput, error) {
	var args struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid ask arguments: %w", err)
	}
	return &ToolOutput{Message: args.Question, Control: ControlAsk}, nil
}

func (AskTool) Format(*ToolOutput) string {
	return "question sent; waiting for the user's reply"
}

// IdleTool signals that the turn is complete.
type IdleTool struct{}

func (IdleTool) Name() string { return "idle" }

func (IdleTool) Description() string {
	return "Call when there is nothing more to do for this user message. Ends the turn."
}

func (IdleTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {"type": "string"}
  },
  "additionalProperties": false
}`)
}

func (IdleTool) Execute(ctx context.Context, env *ToolEnv, raw json.RawMessage) (*ToolOutput, error) {
	var args struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid idle arguments: %w", err)
	}
	return &ToolOutput{Text: args.Summary, Control: ControlIdle}, nil
}

func (IdleTool) Format(out *ToolOutput) string {
	if out.Text == "" {
		return "turn complete"
	}
	return "turn complete: " + out.Text
}
