package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type stubTool struct {
	name   string
	schema string
	exec   func(ctx context.Context, env *ToolEnv, args json.RawMessage) (*ToolOutput, error)
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub " + s.name }
func (s *stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(s.schema)
}
func (s *stubTool) Execute(ctx context.Context, env *ToolEnv, args json.RawMessage) (*ToolOutput, error) {
	if s.exec == nil {
		return &ToolOutput{Text: "ok"}, nil
	}
	return s.exec(ctx, env, args)
}
func (s *stubTool) Format(out *ToolOutput) string { return FormatOutput(out) }

func TestToolRegistryRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		want string
	}{
		{name: "nil tool", tool: nil, want: "nil"},
		{name: "bad name", tool: &stubTool{name: "has space"}, want: "invalid tool name"},
		{name: "reserved", tool: &stubTool{name: "notify"}, want: "reserved"},
		{name: "bad schema", tool: &stubTool{name: "broken", schema: `{"type": 12}`}, want: "invalid schema"},
		{name: "schema not json", tool: &stubTool{name: "broken", schema: `{`}, want: "invalid schema"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewToolRegistry().Register(tt.tool)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Register() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestToolRegistryRejectsDuplicates(t *testing.T) {
	r := NewToolRegistry()
	if err := r.Register(&stubTool{name: "log_set"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&stubTool{name: "log_set"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestToolRegistryDefinitionsSorted(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(&stubTool{name: "zeta"}, &stubTool{name: "alpha"})
	if err := RegisterControlTools(r); err != nil {
		t.Fatalf("RegisterControlTools() error = %v", err)
	}

	defs := r.Definitions()
	var names []string
	for _, def := range defs {
		names = append(names, def.Name)
	}
	want := "alpha,ask,idle,notify,zeta"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("Definitions() = %s, want %s", got, want)
	}
	if r.Len() != 5 {
		t.Fatalf("Len() = %d", r.Len())
	}
}

func TestDispatchSuccessIsDelimited(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(&stubTool{name: "echo", exec: func(ctx context.Context, env *ToolEnv, args json.RawMessage) (*ToolOutput, error) {
		return &ToolOutput{Data: map[string]string{"session": env.SessionID}}, nil
	}})

	result, err := r.Dispatch(context.Background(), &ToolEnv{SessionID: "s1"}, ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !result.Success || result.Err != nil {
		t.Fatalf("expected success, got %+v", result)
	}
	want := "<tool_result status=\"success\">\n{\"session\":\"s1\"}\n</tool_result>"
	if result.Formatted != want {
		t.Fatalf("Formatted = %q, want %q", result.Formatted, want)
	}
	if string(result.Data()) != `{"session":"s1"}` {
		t.Fatalf("Data() = %s", result.Data())
	}
	if result.CallID != "c1" || result.Control != ControlNone {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestDispatchUnknownToolIsFatal(t *testing.T) {
	_, err := NewToolRegistry().Dispatch(context.Background(), nil, ToolCall{Name: "missing"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestDispatchToolErrorIsRecoverable(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(&stubTool{name: "flaky", exec: func(context.Context, *ToolEnv, json.RawMessage) (*ToolOutput, error) {
		return nil, errors.New("upstream unavailable")
	}})

	result, err := r.Dispatch(context.Background(), nil, ToolCall{ID: "c1", Name: "flaky"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
	if !strings.HasPrefix(result.Formatted, `<tool_result status="error">`) || !strings.Contains(result.Formatted, "upstream unavailable") {
		t.Fatalf("Formatted = %q", result.Formatted)
	}
	var toolErr *ToolError
	if !errors.As(result.Err, &toolErr) || toolErr.ToolName != "flaky" {
		t.Fatalf("expected ToolError, got %v", result.Err)
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	r := NewToolRegistry()
	r.MustRegister(&stubTool{name: "boom", exec: func(context.Context, *ToolEnv, json.RawMessage) (*ToolOutput, error) {
		panic("nil map")
	}})

	result, err := r.Dispatch(context.Background(), nil, ToolCall{ID: "c1", Name: "boom"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Success || !errors.Is(result.Err, ErrToolPanic) {
		t.Fatalf("expected panic failure, got %+v", result)
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	r := NewToolRegistry()
	called := false
	r.MustRegister(&stubTool{
		name:   "log_set",
		schema: `{"type":"object","properties":{"reps":{"type":"integer","minimum":1}},"required":["reps"]}`,
		exec: func(context.Context, *ToolEnv, json.RawMessage) (*ToolOutput, error) {
			called = true
			return &ToolOutput{Text: "logged"}, nil
		},
	})

	for _, args := range []string{`{}`, `{"reps":0}`, `not json`} {
		result, err := r.Dispatch(context.Background(), nil, ToolCall{Name: "log_set", Input: json.RawMessage(args)})
		if err != nil {
			t.Fatalf("Dispatch(%s) error = %v", args, err)
		}
		if result.Success || !errors.Is(result.Err, ErrInvalidArguments) {
			t.Fatalf("Dispatch(%s) expected invalid arguments, got %+v", args, result)
		}
	}
	if called {
		t.Fatal("tool executed with invalid arguments")
	}

	result, err := r.Dispatch(context.Background(), nil, ToolCall{Name: "log_set", Input: json.RawMessage(`{"reps":8}`)})
	if err != nil || !result.Success {
		t.Fatalf("valid call failed: %+v, %v", result, err)
	}
}

func TestFormatOutput(t *testing.T) {
	if FormatOutput(nil) != "" {
		t.Fatal("nil output should format empty")
	}
	out := &ToolOutput{Text: "done", Warning: "partial"}
	if got := FormatOutput(out); got != "done\nwarning: partial" {
		t.Fatalf("FormatOutput() = %q", got)
	}
}

func TestWrapResult(t *testing.T) {
	if got := WrapResult("x", false); got != "<tool_result status=\"error\">\nx\n</tool_result>" {
		t.Fatalf("WrapResult() = %q", got)
	}
}
