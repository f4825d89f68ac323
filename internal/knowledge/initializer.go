package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/observability"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
	"golang.org/x/sync/errgroup"
)

// LoadKnowledgeTool is the tool the selection model is forced to call.
const LoadKnowledgeTool = "load_knowledge"

const selectionInstructions = `You decide which reference data the assistant needs before it answers the user's next message.
Call load_knowledge with the sources to load. Choose only sources that are missing from the already loaded list, or whose loaded parameters are too narrow for the request (for example 7 days are loaded but the user asks about 30).
Never reload a source with the same parameters. Return an empty list when nothing new is needed.`

// Selection is one source the model asked to load.
type Selection struct {
	Source string         `json:"source"`
	Params map[string]any `json:"params,omitempty"`
}

// key identifies a (source, params) pair. encoding/json sorts map keys, so
// equal params always produce equal keys.
func (s Selection) key() string {
	params, err := json.Marshal(paramsOrEmpty(s.Params))
	if err != nil {
		params = []byte(fmt.Sprint(s.Params))
	}
	return s.Source + "\x00" + string(params)
}

// InitializerConfig configures the selection call.
type InitializerConfig struct {
	// Model overrides the provider default. Use a small, cheap model.
	Model     string
	MaxTokens int

	// Timeout bounds selection plus fetching. Default: 10s
	Timeout time.Duration

	// Concurrency caps parallel fetches. Default: 4
	Concurrency int
}

// Initializer appends knowledge events ahead of a turn.
type Initializer struct {
	provider agent.LLMProvider
	registry *Registry
	store    sessions.Store
	config   InitializerConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// InitializerOption configures an Initializer.
type InitializerOption func(*Initializer)

// WithMetrics records fetch outcomes.
func WithMetrics(m *observability.Metrics) InitializerOption {
	return func(i *Initializer) { i.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) InitializerOption {
	return func(i *Initializer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInitializer creates an initializer.
func NewInitializer(provider agent.LLMProvider, registry *Registry, store sessions.Store, config InitializerConfig, opts ...InitializerOption) (*Initializer, error) {
	if provider == nil {
		return nil, errors.New("knowledge initializer requires a provider")
	}
	if registry == nil {
		return nil, errors.New("knowledge initializer requires a registry")
	}
	if store == nil {
		return nil, errors.New("knowledge initializer requires a session store")
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	i := &Initializer{
		provider: provider,
		registry: registry,
		store:    store,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "knowledge")
	return i, nil
}

var _ agent.KnowledgeInitializer = (*Initializer)(nil)

// Initialize selects and fetches knowledge for text and appends one event per
// fetched source, in selection order. Sources that fail to fetch are skipped;
// their errors are joined into the returned error alongside the events that
// were appended.
func (i *Initializer) Initialize(ctx context.Context, session *models.Session, text string) ([]*models.Event, error) {
	if i.registry.Len() == 0 {
		return nil, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	selections, err := i.Select(fetchCtx, session, text)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, nil
	}

	results := make([]*Result, len(selections))
	errs := make([]error, len(selections))
	var g errgroup.Group
	g.SetLimit(i.config.Concurrency)
	for idx, sel := range selections {
		g.Go(func() error {
			res, err := i.registry.Fetch(fetchCtx, Request{
				Source:   sel.Source,
				Params:   sel.Params,
				CallerID: session.OwnerID,
			})
			results[idx] = res
			errs[idx] = err
			return nil
		})
	}
	_ = g.Wait()

	var events []*models.Event
	var failures []error
	for idx, sel := range selections {
		if errs[idx] != nil {
			i.record(sel.Source, false)
			i.logger.WarnContext(ctx, "knowledge fetch failed", "source", sel.Source, "error", errs[idx])
			failures = append(failures, errs[idx])
			continue
		}
		ev, err := i.store.Append(ctx, session.ID, models.EventKnowledge, models.KnowledgePayload{
			Source: sel.Source,
			Params: sel.Params,
			Text:   results[idx].Text,
			Data:   results[idx].Data,
		}, sessions.AppendOptions{})
		if err != nil {
			// Later appends would race the same failure; stop here.
			failures = append(failures, fmt.Errorf("failed to append knowledge %s: %w", sel.Source, err))
			break
		}
		i.record(sel.Source, true)
		events = append(events, ev)
	}
	i.logger.InfoContext(ctx, "knowledge initialized", "selected", len(selections), "loaded", len(events))
	return events, errors.Join(failures...)
}

// Select asks the model which sources to load for text. Selections for
// unknown sources, with invalid params, or identical to a (source, params)
// pair already in the session's context are dropped.
func (i *Initializer) Select(ctx context.Context, session *models.Session, text string) ([]Selection, error) {
	catalog := i.registry.Catalog()
	if len(catalog) == 0 {
		return nil, nil
	}
	loaded, err := i.loaded(ctx, session)
	if err != nil {
		return nil, err
	}

	resp, err := i.provider.Complete(ctx, &agent.CompletionRequest{
		Model:      i.config.Model,
		System:     []agent.SystemBlock{{Name: "instructions", Text: selectionInstructions}, {Name: "catalog", Text: renderCatalog(catalog)}},
		Messages:   []agent.CompletionMessage{{Role: agent.RoleUser, Blocks: []agent.ContentBlock{agent.TextBlock(renderSelectionInput(text, loaded))}}},
		Tools:      []agent.ToolDefinition{loadKnowledgeDefinition(catalog)},
		MaxTokens:  i.config.MaxTokens,
		ToolChoice: agent.ToolChoice{Name: LoadKnowledgeTool},
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge selection failed: %w", err)
	}
	if resp.ToolCall.Name != LoadKnowledgeTool {
		return nil, fmt.Errorf("knowledge selection called %q instead of %s", resp.ToolCall.Name, LoadKnowledgeTool)
	}
	var args struct {
		Selections []Selection `json:"selections"`
	}
	if err := json.Unmarshal(resp.ToolCall.Input, &args); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", LoadKnowledgeTool, err)
	}

	seen := make(map[string]bool, len(loaded)+len(args.Selections))
	for _, sel := range loaded {
		seen[sel.key()] = true
	}
	var out []Selection
	for _, sel := range args.Selections {
		sel.Source = strings.TrimSpace(sel.Source)
		if err := i.registry.validate(sel.Source, sel.Params); err != nil {
			i.logger.DebugContext(ctx, "dropping knowledge selection", "source", sel.Source, "error", err)
			continue
		}
		key := sel.key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, sel)
	}
	return out, nil
}

// loaded returns the knowledge already in the session's replayed context.
func (i *Initializer) loaded(ctx context.Context, session *models.Session) ([]Selection, error) {
	events, err := i.store.Events(ctx, session.ID, sessions.EventFilter{
		Kinds:         []models.EventKind{models.EventKnowledge},
		AfterSequence: session.ContextStartSequence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read loaded knowledge: %w", err)
	}
	out := make([]Selection, 0, len(events))
	for _, ev := range events {
		var p models.KnowledgePayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, Selection{Source: p.Source, Params: p.Params})
	}
	return out, nil
}

func (i *Initializer) record(source string, ok bool) {
	if i.metrics == nil {
		return
	}
	status := "loaded"
	if !ok {
		status = "error"
	}
	i.metrics.KnowledgeLoaded.WithLabelValues(source, status).Inc()
}

func renderCatalog(catalog []Source) string {
	var b strings.Builder
	b.WriteString("Available sources:\n")
	for _, src := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", src.Name, src.Description)
		if len(src.Params) > 0 {
			fmt.Fprintf(&b, "  params schema: %s\n", compactJSON(src.Params))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSelectionInput(text string, loaded []Selection) string {
	var b strings.Builder
	b.WriteString("User message:\n")
	b.WriteString(text)
	b.WriteString("\n\nAlready loaded:\n")
	if len(loaded) == 0 {
		b.WriteString("(none)\n")
	}
	for _, sel := range loaded {
		params, _ := json.Marshal(paramsOrEmpty(sel.Params))
		fmt.Fprintf(&b, "- %s %s\n", sel.Source, params)
	}
	return strings.TrimRight(b.String(), "\n")
}

func loadKnowledgeDefinition(catalog []Source) agent.ToolDefinition {
	names := make([]string, len(catalog))
	for idx, src := range catalog {
		names[idx] = src.Name
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selections": map[string]any{
				"type":        "array",
				"description": "Sources to load. Empty when nothing new is needed.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source": map[string]any{"type": "string", "enum": names},
						"params": map[string]any{"type": "object"},
					},
					"required": []string{"source"},
				},
			},
		},
		"required": []string{"selections"},
	}
	raw, _ := json.Marshal(schema)
	return agent.ToolDefinition{
		Name:        LoadKnowledgeTool,
		Description: "Load reference data sources into the conversation before the assistant answers.",
		Schema:      raw,
	}
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
