package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/coachd/pkg/models"
)

type mapResolver map[string]*models.Artifact

func (m mapResolver) ResolveArtifact(ctx context.Context, sessionID, id string) (*models.Artifact, error) {
	if artifact, ok := m[sessionID+"/"+id]; ok {
		return artifact, nil
	}
	return nil, ErrArtifactNotFound
}

type failingResolver struct{}

func (failingResolver) ResolveArtifact(context.Context, string, string) (*models.Artifact, error) {
	return nil, errors.New("store offline")
}

func controlRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	if err := RegisterControlTools(r); err != nil {
		t.Fatalf("RegisterControlTools() error = %v", err)
	}
	return r
}

func TestNotifyAttachesArtifact(t *testing.T) {
	plan := &models.Artifact{ID: "a1", Type: "workout_plan", Data: json.RawMessage(`{"days":3}`)}
	env := &ToolEnv{SessionID: "s1", Artifacts: mapResolver{"s1/a1": plan}}

	result, err := controlRegistry(t).Dispatch(context.Background(), env, ToolCall{
		ID: "c1", Name: "notify", Input: json.RawMessage(`{"message":"Here is your plan","artifact_id":"a1"}`),
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !result.Success || result.Control != ControlNotify {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Output.Attachment != plan || result.Output.Message != "Here is your plan" {
		t.Fatalf("unexpected output %+v", result.Output)
	}
	if !strings.Contains(result.Formatted, "with artifact a1") {
		t.Fatalf("Formatted = %q", result.Formatted)
	}
}

func TestNotifyMissingArtifactWarns(t *testing.T) {
	tests := []struct {
		name     string
		resolver ArtifactResolver
		want     string
	}{
		{name: "unknown id", resolver: mapResolver{}, want: "not found"},
		{name: "resolver error", resolver: failingResolver{}, want: "could not be loaded"},
		{name: "no resolver", resolver: nil, want: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &ToolEnv{SessionID: "s1", Artifacts: tt.resolver}
			result, err := controlRegistry(t).Dispatch(context.Background(), env, ToolCall{
				Name: "notify", Input: json.RawMessage(`{"message":"hi","artifact_id":"ghost"}`),
			})
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if !result.Success {
				t.Fatalf("missing artifact must not fail the call: %+v", result)
			}
			if result.Output.Attachment != nil {
				t.Fatal("unexpected attachment")
			}
			if !strings.Contains(result.Output.Warning, tt.want) || !strings.Contains(result.Formatted, "warning:") {
				t.Fatalf("warning = %q, formatted = %q", result.Output.Warning, result.Formatted)
			}
		})
	}
}

func TestAskAndIdleHalt(t *testing.T) {
	r := controlRegistry(t)

	ask, err := r.Dispatch(context.Background(), nil, ToolCall{Name: "ask", Input: json.RawMessage(`{"question":"How many days a week?"}`)})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !ask.Control.Halts() || ask.Output.Message != "How many days a week?" {
		t.Fatalf("unexpected ask result %+v", ask)
	}

	idle, err := r.Dispatch(context.Background(), nil, ToolCall{Name: "idle", Input: json.RawMessage(`{"summary":"plan sent"}`)})
	if err != nil {
		t.Fatalf("idle: %v", err)
	}
	if idle.Control != ControlIdle || !strings.Contains(idle.Formatted, "turn complete: plan sent") {
		t.Fatalf("unexpected idle result %+v", idle)
	}

	notify, err := r.Dispatch(context.Background(), nil, ToolCall{Name: "notify", Input: json.RawMessage(`{"message":"x"}`)})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if notify.Control.Halts() {
		t.Fatal("notify must not halt the turn")
	}
}

func TestAskRequiresQuestion(t *testing.T) {
	result, err := controlRegistry(t).Dispatch(context.Background(), nil, ToolCall{Name: "ask", Input: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.Success || result.Control != ControlNone {
		t.Fatalf("invalid ask should fail without a control signal: %+v", result)
	}
}
