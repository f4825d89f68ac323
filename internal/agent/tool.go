package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/coachd/pkg/models"
)

// Tool defines the interface for executable agent tools.
//
// Tools are opaque to the orchestrator beyond this contract. Execute returns
// an error for recoverable failures; the registry turns it into an error
// result the model can react to.
//
//	type Echo struct{}
//
//	func (Echo) Name() string            { return "echo" }
//	func (Echo) Description() string     { return "Echoes its input" }
//	func (Echo) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
//	func (Echo) Execute(ctx context.Context, env *ToolEnv, args json.RawMessage) (*ToolOutput, error) {
//	    return &ToolOutput{Text: string(args)}, nil
//	}
//	func (Echo) Format(out *ToolOutput) string { return FormatOutput(out) }
type Tool interface {
	// Name returns the tool name used for function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with arguments that already passed schema validation.
	Execute(ctx context.Context, env *ToolEnv, args json.RawMessage) (*ToolOutput, error)

	// Format renders a successful output as the text fed back to the model.
	Format(out *ToolOutput) string
}

// ToolEnv is injected into every tool execution. It carries the caller's
// identity and the session-scoped services a tool may use.
type ToolEnv struct {
	SessionID string
	User      models.User
	Artifacts ArtifactResolver
	Scratch   ScratchStore
}

// ErrArtifactNotFound is returned by resolvers for unknown artifact ids.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrDuplicateArtifact is the tool failure for an artifact whose id already
// exists in the session. Artifacts are immutable.
var ErrDuplicateArtifact = errors.New("artifact id already exists in this session")

// ArtifactResolver looks up artifacts created earlier in a session.
type ArtifactResolver interface {
	ResolveArtifact(ctx context.Context, sessionID, artifactID string) (*models.Artifact, error)
}

// ScratchStore holds per-session working state for tools. Values are JSON.
type ScratchStore interface {
	Get(ctx context.Context, sessionID, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, sessionID, key string, value json.RawMessage) error
	Delete(ctx context.Context, sessionID, key string) error
}

// ControlSignal tells the orchestrator how a control tool affects the turn.
type ControlSignal string

const (
	ControlNone   ControlSignal = ""
	ControlNotify ControlSignal = "notify"
	ControlAsk    ControlSignal = "ask"
	ControlIdle   ControlSignal = "idle"
)

// Halts reports whether the signal ends the turn.
func (c ControlSignal) Halts() bool {
	return c == ControlAsk || c == ControlIdle
}

// ToolOutput is what a tool returns on success.
type ToolOutput struct {
	// Data is the structured result, recorded on the tool_result event.
	Data any

	// Text is a pre-rendered summary. FormatOutput prefers it over Data.
	Text string

	// Artifact is a new artifact created by this call.
	Artifact *models.Artifact

	// Attachment is an existing artifact delivered to the user.
	Attachment *models.Artifact

	// Message is user-facing text (notify and ask).
	Message string

	// Warning is a non-fatal problem worth surfacing to the model.
	Warning string

	// Control is honored only for reserved control tools.
	Control ControlSignal
}

// FormatOutput is the default rendering used by most tools: Text when set,
// otherwise Data as compact JSON.
func FormatOutput(out *ToolOutput) string {
	if out == nil {
		return ""
	}
	text := out.Text
	if text == "" && out.Data != nil {
		data, err := json.Marshal(out.Data)
		if err != nil {
			text = fmt.Sprintf("%v", out.Data)
		} else {
			text = string(data)
		}
	}
	if out.Artifact != nil {
		text = appendLine(text, fmt.Sprintf("artifact created: id=%s type=%s", out.Artifact.ID, out.Artifact.Type))
	}
	if out.Warning != "" {
		text = appendLine(text, "warning: "+out.Warning)
	}
	return text
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}
