// Package context rebuilds a model prompt from a session's event log.
//
// Nothing about a prompt is stored: every model call folds the context
// events again, reads fresh reference data and marks the same four cache
// breakpoints (tools, instructions, reference, last message), so identical
// histories yield identical prompts.
package context

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

// System block names.
const (
	BlockInstructions = "instructions"
	BlockReference    = "reference"
)

// Assembler implements agent.ContextBuilder over a session store.
type Assembler struct {
	store        sessions.Store
	instructions InstructionsSource
	reference    ReferenceSource
	logger       *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithReference sets the reference source.
func WithReference(ref ReferenceSource) AssemblerOption {
	return func(a *Assembler) { a.reference = ref }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAssembler creates an assembler. instructions may be nil.
func NewAssembler(store sessions.Store, instructions InstructionsSource, opts ...AssemblerOption) *Assembler {
	if instructions == nil {
		instructions = StaticInstructions("")
	}
	a := &Assembler{
		store:        store,
		instructions: instructions,
		reference:    NewProfileReference(nil),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "context")
	return a
}

var _ agent.ContextBuilder = (*Assembler)(nil)

// Build assembles the prompt for the next model call of session.
func (a *Assembler) Build(ctx context.Context, session *models.Session, tools []agent.ToolDefinition) (*agent.Prompt, error) {
	events, err := a.store.Events(ctx, session.ID, sessions.ContextFilter(session.ContextStartSequence))
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrEmptyHistory
	}
	messages, err := Fold(events)
	if err != nil {
		return nil, err
	}

	reference, err := a.reference.Reference(ctx, session)
	if err != nil {
		return nil, err
	}

	prompt := &agent.Prompt{
		System:   a.system(reference),
		Messages: messages,
		Tools:    markTools(tools),
	}
	markLastMessage(prompt.Messages)

	a.logger.DebugContext(ctx, "prompt assembled",
		"events", len(events),
		"messages", len(prompt.Messages),
		"tools", len(prompt.Tools),
	)
	return prompt, nil
}

func (a *Assembler) system(reference string) []agent.SystemBlock {
	var blocks []agent.SystemBlock
	if text := a.instructions.Instructions(); text != "" {
		blocks = append(blocks, agent.SystemBlock{Name: BlockInstructions, Text: text, Cache: true})
	}
	if reference != "" {
		blocks = append(blocks, agent.SystemBlock{Name: BlockReference, Text: reference, Cache: true})
	}
	return blocks
}

// markTools copies tools with a breakpoint on the last definition only.
func markTools(tools []agent.ToolDefinition) []agent.ToolDefinition {
	out := make([]agent.ToolDefinition, len(tools))
	copy(out, tools)
	for i := range out {
		out[i].Cache = i == len(out)-1
	}
	return out
}

// markLastMessage sets a breakpoint on the final block of the final message.
// Fold returns fresh slices, so mutating them in place is safe.
func markLastMessage(messages []agent.CompletionMessage) {
	if len(messages) == 0 {
		return
	}
	last := &messages[len(messages)-1]
	if n := len(last.Blocks); n > 0 {
		last.Blocks[n-1].Cache = true
	}
}
