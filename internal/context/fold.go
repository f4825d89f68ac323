package context

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/pkg/models"
)

var (
	// ErrEmptyHistory is returned when a session has no context events to
	// replay. A prompt is never sent without at least one user message.
	ErrEmptyHistory = errors.New("session history is empty")

	// ErrUnpairedToolResult is returned for a tool_result with no open call
	// or whose call id does not match the open call.
	ErrUnpairedToolResult = errors.New("tool result does not match a pending tool call")

	// ErrDanglingToolCall is returned when history ends with a tool_call
	// that never received a result.
	ErrDanglingToolCall = errors.New("tool call has no result")
)

// folder accumulates messages while replaying events in sequence order.
type folder struct {
	messages []agent.CompletionMessage

	// pending is the call awaiting its result, if any.
	pending *models.ToolCallPayload

	// buffered holds knowledge and artifact blocks seen while a call was pending.
	buffered []agent.ContentBlock
}

// Fold replays context events into provider messages.
//
// Consecutive user-side content (user messages, knowledge, artifacts) merges
// into one user message. Each tool_call becomes its own assistant message with
// a single tool_use block, and the following user message opens with the
// matching tool_result. Content that arrives while a call is pending is held
// back and placed after that result. Events of other kinds are ignored.
func Fold(events []*models.Event) ([]agent.CompletionMessage, error) {
	f := &folder{}
	for _, ev := range events {
		if err := f.apply(ev); err != nil {
			return nil, err
		}
	}
	if f.pending != nil {
		return nil, fmt.Errorf("%w: call %s (%s)", ErrDanglingToolCall, f.pending.CallID, f.pending.Name)
	}
	if len(f.messages) == 0 {
		return nil, ErrEmptyHistory
	}
	return f.messages, nil
}

func (f *folder) apply(ev *models.Event) error {
	switch ev.Kind {
	case models.EventUserMessage:
		var p models.UserMessagePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f.userBlock(agent.TextBlock(p.Text))

	case models.EventKnowledge:
		var p models.KnowledgePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		block, err := knowledgeBlock(p)
		if err != nil {
			return fmt.Errorf("failed to render knowledge (seq %d): %w", ev.Sequence, err)
		}
		f.userBlock(block)

	case models.EventArtifact:
		var p models.ArtifactPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		f.userBlock(artifactBlock(p.Artifact))

	case models.EventToolCall:
		var p models.ToolCallPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if f.pending != nil {
			return fmt.Errorf("%w: call %s opened before call %s was answered (seq %d)",
				ErrDanglingToolCall, p.CallID, f.pending.CallID, ev.Sequence)
		}
		input := p.Arguments
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		f.messages = append(f.messages, agent.CompletionMessage{
			Role: agent.RoleAssistant,
			Blocks: []agent.ContentBlock{{
				Type:       agent.BlockToolUse,
				ToolCallID: p.CallID,
				ToolName:   p.Name,
				Input:      input,
			}},
		})
		f.pending = &p

	case models.EventToolResult:
		var p models.ToolResultPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if f.pending == nil {
			return fmt.Errorf("%w: call %s (seq %d)", ErrUnpairedToolResult, p.CallID, ev.Sequence)
		}
		if p.CallID != f.pending.CallID {
			return fmt.Errorf("%w: got %s, pending %s (seq %d)", ErrUnpairedToolResult, p.CallID, f.pending.CallID, ev.Sequence)
		}
		blocks := make([]agent.ContentBlock, 0, 1+len(f.buffered))
		blocks = append(blocks, agent.ContentBlock{
			Type:       agent.BlockToolResult,
			ToolCallID: p.CallID,
			ToolName:   f.pending.Name,
			Text:       p.Content,
			IsError:    !p.Success,
		})
		blocks = append(blocks, f.buffered...)
		f.messages = append(f.messages, agent.CompletionMessage{Role: agent.RoleUser, Blocks: blocks})
		f.pending = nil
		f.buffered = nil
	}
	return nil
}

// userBlock adds user-side content, either to the open user message or to
// the buffer when a tool call is waiting for its result.
func (f *folder) userBlock(block agent.ContentBlock) {
	if f.pending != nil {
		f.buffered = append(f.buffered, block)
		return
	}
	if n := len(f.messages); n > 0 && f.messages[n-1].Role == agent.RoleUser {
		f.messages[n-1].Blocks = append(f.messages[n-1].Blocks, block)
		return
	}
	f.messages = append(f.messages, agent.CompletionMessage{
		Role:   agent.RoleUser,
		Blocks: []agent.ContentBlock{block},
	})
}

func knowledgeBlock(p models.KnowledgePayload) (agent.ContentBlock, error) {
	var b strings.Builder
	b.WriteString(`<knowledge source="`)
	b.WriteString(p.Source)
	b.WriteString(`"`)
	if len(p.Params) > 0 {
		// encoding/json sorts map keys, which keeps the rendering stable.
		params, err := json.Marshal(p.Params)
		if err != nil {
			return agent.ContentBlock{}, err
		}
		b.WriteString(` params='`)
		b.Write(params)
		b.WriteString(`'`)
	}
	b.WriteString(">\n")
	text := p.Text
	if text == "" && len(p.Data) > 0 {
		text = string(p.Data)
	}
	b.WriteString(text)
	b.WriteString("\n</knowledge>")
	return agent.TextBlock(b.String()), nil
}

func artifactBlock(a models.Artifact) agent.ContentBlock {
	var b strings.Builder
	fmt.Fprintf(&b, `<artifact id="%s" type="%s"`, a.ID, a.Type)
	if a.Title != "" {
		fmt.Fprintf(&b, ` title="%s"`, a.Title)
	}
	b.WriteString(">\n")
	b.Write(a.Data)
	b.WriteString("\n</artifact>")
	return agent.TextBlock(b.String())
}
