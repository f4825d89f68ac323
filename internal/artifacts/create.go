// Package artifacts provides the tool that creates session artifacts.
//
// An artifact is an immutable structured payload (a training plan, a workout,
// a summary card) that the model builds once and later attaches to a notify
// call by id. The orchestrator records every new artifact as an event, so
// artifacts need no store of their own.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/pkg/models"
	"github.com/invopop/jsonschema"
)

// ToolName is the name the model uses to create artifacts.
const ToolName = "create_artifact"

// MaxDataBytes caps the encoded size of an artifact's data.
const MaxDataBytes = 256 * 1024

type createArgs struct {
	Type  string         `json:"type" jsonschema:"required,minLength=1,description=Artifact kind such as training_plan or workout."`
	Title string         `json:"title,omitempty" jsonschema:"description=Short human readable title."`
	Data  map[string]any `json:"data" jsonschema:"required,description=The artifact content."`
}

// CreateTool creates new artifacts.
type CreateTool struct {
	types    []string
	maxBytes int
	now      func() time.Time
	schema   json.RawMessage
}

// Option configures a CreateTool.
type Option func(*CreateTool)

// WithTypes restricts artifacts to the listed types.
func WithTypes(types ...string) Option {
	return func(t *CreateTool) {
		for _, typ := range types {
			if typ = strings.TrimSpace(typ); typ != "" {
				t.types = append(t.types, typ)
			}
		}
	}
}

// WithMaxBytes overrides MaxDataBytes.
func WithMaxBytes(n int) Option {
	return func(t *CreateTool) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

// NewCreateTool builds the tool and reflects its argument schema.
func NewCreateTool(opts ...Option) (*CreateTool, error) {
	t := &CreateTool{maxBytes: MaxDataBytes, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	sort.Strings(t.types)

	schema, err := reflectSchema(t.types)
	if err != nil {
		return nil, err
	}
	t.schema = schema
	return t, nil
}

func reflectSchema(types []string) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(&createArgs{})
	schema.Version = ""
	if len(types) > 0 {
		if prop, ok := schema.Properties.Get("type"); ok {
			prop.Enum = make([]any, len(types))
			for i, typ := range types {
				prop.Enum[i] = typ
			}
		}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s schema: %w", ToolName, err)
	}
	return raw, nil
}

func (t *CreateTool) Name() string { return ToolName }

func (t *CreateTool) Description() string {
	return "Create a structured artifact, such as a training plan, that can be attached to a later notify call by its id. Artifacts cannot be edited; create a new one to revise."
}

func (t *CreateTool) Schema() json.RawMessage { return t.schema }

func (t *CreateTool) Execute(ctx context.Context, env *agent.ToolEnv, raw json.RawMessage) (*agent.ToolOutput, error) {
	var args createArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", ToolName, err)
	}
	args.Type = strings.TrimSpace(args.Type)
	if args.Type == "" {
		return nil, fmt.Errorf("artifact type is required")
	}
	if len(t.types) > 0 {
		idx := sort.SearchStrings(t.types, args.Type)
		if idx == len(t.types) || t.types[idx] != args.Type {
			return nil, fmt.Errorf("artifact type %q is not allowed (allowed: %s)", args.Type, strings.Join(t.types, ", "))
		}
	}
	if args.Data == nil {
		return nil, fmt.Errorf("artifact data is required")
	}
	data, err := json.Marshal(args.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact data: %w", err)
	}
	if len(data) > t.maxBytes {
		return nil, fmt.Errorf("artifact data is %d bytes, limit is %d", len(data), t.maxBytes)
	}

	artifact := &models.Artifact{
		ID:        uuid.NewString(),
		Type:      args.Type,
		Title:     strings.TrimSpace(args.Title),
		Data:      data,
		CreatedAt: t.now().UTC(),
	}
	return &agent.ToolOutput{
		Artifact: artifact,
		Data:     map[string]any{"artifact_id": artifact.ID, "type": artifact.Type},
	}, nil
}

func (t *CreateTool) Format(out *agent.ToolOutput) string {
	return agent.FormatOutput(out)
}
