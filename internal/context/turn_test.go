package context

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

// replayProvider fails the request if the assembled prompt is not a valid
// tool-use transcript, then answers with the next scripted tool.
type replayProvider struct {
	mu    sync.Mutex
	tools []string
	calls int
}

func (p *replayProvider) Name() string { return "replay" }

func (p *replayProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls >= len(p.tools) {
		return nil, errors.New("no more scripted tools")
	}
	name := p.tools[p.calls]
	p.calls++
	return &agent.CompletionResponse{
		Model:    "replay-model",
		ToolCall: agent.ToolCall{ID: "call-" + name, Name: name, Input: json.RawMessage(`{}`)},
	}, nil
}

// stallTool waits for its context to end.
type stallTool struct{}

func (stallTool) Name() string { return "fetch_history" }
func (stallTool) Description() string { return "waits" }
func (stallTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (stallTool) Format(out *agent.ToolOutput) string { return agent.FormatOutput(out) }
func (stallTool) Execute(ctx context.Context, env *agent.ToolEnv, args json.RawMessage) (*agent.ToolOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTurnAfterTimedOutToolStillAssembles(t *testing.T) {
	h := newHistory(t)
	tools := agent.NewToolRegistry()
	if err := agent.RegisterControlTools(tools); err != nil {
		t.Fatalf("RegisterControlTools: %v", err)
	}
	tools.MustRegister(stallTool{})

	provider := &replayProvider{tools: []string{"fetch_history", "idle"}}
	cfg := agent.DefaultLoopConfig()
	cfg.TurnTimeout = 50 * time.Millisecond
	orch, err := agent.NewOrchestrator(provider, tools, h.store, newTestAssembler(h), cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	user := models.User{ID: h.session.OwnerID}

	_, err = orch.RunTurn(context.Background(), agent.TurnRequest{SessionID: h.session.ID, User: user, Message: "how was my week"}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first turn error = %v, want deadline exceeded", err)
	}

	all, err := h.store.Events(context.Background(), h.session.ID, sessions.EventFilter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	kinds := make([]string, len(all))
	for i, ev := range all {
		kinds[i] = string(ev.Kind)
	}
	want := "user_message,llm_request,llm_response,tool_call,tool_result,error"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}

	result, err := orch.RunTurn(context.Background(), agent.TurnRequest{SessionID: h.session.ID, User: user, Message: "try again"}, nil)
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.StopReason != agent.StopIdle || result.Status != models.SessionCompleted {
		t.Fatalf("second turn result = %+v", result)
	}
}
