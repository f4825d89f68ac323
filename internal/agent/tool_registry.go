package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolParamsSize is the maximum size of tool arguments JSON (1MB).
	MaxToolParamsSize = 1 << 20
)

// Result delimiters wrapped around formatted tool output.
const (
	resultSuccessOpen = `<tool_result status="success">`
	resultErrorOpen   = `<tool_result status="error">`
	resultClose       = `</tool_result>`
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// reservedToolNames may only be registered through RegisterControlTools.
var reservedToolNames = map[string]ControlSignal{
	"notify": ControlNotify,
	"ask":    ControlAsk,
	"idle":   ControlIdle,
}

// WrapResult wraps formatted tool text in the success or error delimiter.
func WrapResult(text string, success bool) string {
	open := resultErrorOpen
	if success {
		open = resultSuccessOpen
	}
	return open + "\n" + text + "\n" + resultClose
}

// ToolRegistry holds the tools offered to the model. Tools are checked when
// registered: the name must be valid and unique and the schema must compile.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

type registeredTool struct {
	tool    Tool
	schema  *jsonschema.Schema
	control ControlSignal
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds a domain tool. Reserved control names are rejected.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("tool is nil")
	}
	if _, reserved := reservedToolNames[tool.Name()]; reserved {
		return fmt.Errorf("tool name %q is reserved", tool.Name())
	}
	return r.register(tool, ControlNone)
}

// MustRegister is Register that panics, for wiring static tool sets.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

func (r *ToolRegistry) register(tool Tool, control ControlSignal) error {
	name := tool.Name()
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name %q", name)
	}
	raw := tool.Schema()
	if len(raw) == 0 {
		return fmt.Errorf("tool %s: schema is required", name)
	}
	schema, err := jsonschema.CompileString("tool_"+name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = &registeredTool{tool: tool, schema: schema, control: control}
	return nil
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return entry.tool, true
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns the tool definitions sorted by name so prompts are
// byte-stable across calls.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, entry := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        entry.tool.Name(),
			Description: entry.tool.Description(),
			Schema:      entry.tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DispatchResult is the outcome of one tool call.
type DispatchResult struct {
	CallID  string
	Name    string
	Success bool

	// Formatted is the delimited text fed back to the model.
	Formatted string

	// Output is nil when the tool failed.
	Output *ToolOutput

	// Err is the recoverable failure, if any.
	Err error

	// Control is set only for reserved control tools.
	Control  ControlSignal
	Duration time.Duration
}

// Data returns the structured output encoded as JSON, or nil.
func (d *DispatchResult) Data() json.RawMessage {
	if d == nil || d.Output == nil || d.Output.Data == nil {
		return nil
	}
	data, err := json.Marshal(d.Output.Data)
	if err != nil {
		return nil
	}
	return data
}

// Dispatch runs one tool call. An unregistered name returns ErrToolNotFound,
// which callers treat as fatal. Every other failure (invalid arguments,
// execution errors, panics) comes back as an unsuccessful DispatchResult.
func (r *ToolRegistry) Dispatch(ctx context.Context, env *ToolEnv, call ToolCall) (*DispatchResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}
	if env == nil {
		env = &ToolEnv{}
	}

	start := time.Now()
	out, err := r.execute(ctx, entry, env, call)
	result := &DispatchResult{
		CallID:   call.ID,
		Name:     call.Name,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Err = &ToolError{ToolName: call.Name, CallID: call.ID, Cause: err}
		result.Formatted = WrapResult(err.Error(), false)
		return result, nil
	}
	if out == nil {
		out = &ToolOutput{}
	}
	result.Success = true
	result.Output = out
	result.Control = entry.control
	result.Formatted = WrapResult(formatSafely(entry.tool, out), true)
	return result, nil
}

func (r *ToolRegistry) execute(ctx context.Context, entry *registeredTool, env *ToolEnv, call ToolCall) (out *ToolOutput, err error) {
	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if len(args) > MaxToolParamsSize {
		return nil, fmt.Errorf("%w: arguments exceed %d bytes", ErrInvalidArguments, MaxToolParamsSize)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, validationMessage(err))
	}

	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = fmt.Errorf("%w: %v\n%s", ErrToolPanic, rec, firstLines(string(debug.Stack()), 8))
		}
	}()
	return entry.tool.Execute(ctx, env, args)
}

func formatSafely(tool Tool, out *ToolOutput) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			text = FormatOutput(out)
		}
	}()
	return tool.Format(out)
}

func validationMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		location := leaf.InstanceLocation
		if location == "" {
			location = "/"
		}
		return location + ": " + leaf.Message
	}
	return err.Error()
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
