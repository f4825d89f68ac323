// Package knowledge loads auxiliary reference data into sessions.
//
// A Registry maps knowledge source names to the providers that fetch them.
// The Initializer asks a small model which sources the next turn needs and
// appends one knowledge event per fetched source. Knowledge is append-only:
// a wider or different scope of a source already in the history is a new
// event, never an edit of the old one.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownSource is returned for source names with no registered provider.
var ErrUnknownSource = errors.New("unknown knowledge source")

// Request identifies the data to fetch.
type Request struct {
	Source string
	Params map[string]any

	// CallerID is the session owner the data belongs to.
	CallerID string
}

// Result is fetched knowledge. Text is what the model reads; Data keeps the
// structured form when the provider returned one.
type Result struct {
	Data json.RawMessage
	Text string
}

// Provider fetches knowledge from an external system.
type Provider interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Result, error)

func (f ProviderFunc) Fetch(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Source describes a knowledge source offered to the selection model.
type Source struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params,omitempty"`
}

type registeredSource struct {
	source   Source
	provider Provider
	schema   *jsonschema.Schema
}

// Registry maps source names to providers. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*registeredSource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*registeredSource)}
}

// Register adds a source. Params, when set, must be a JSON schema object;
// selections with params that do not match it are dropped.
func (r *Registry) Register(source Source, provider Provider) error {
	if source.Name == "" {
		return errors.New("knowledge source name is required")
	}
	if provider == nil {
		return fmt.Errorf("knowledge source %s: provider is required", source.Name)
	}
	var schema *jsonschema.Schema
	if len(source.Params) > 0 {
		compiled, err := jsonschema.CompileString("knowledge_"+source.Name+".json", string(source.Params))
		if err != nil {
			return fmt.Errorf("knowledge source %s: invalid params schema: %w", source.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[source.Name]; exists {
		return fmt.Errorf("knowledge source %s already registered", source.Name)
	}
	r.sources[source.Name] = &registeredSource{source: source, provider: provider, schema: schema}
	return nil
}

// Catalog lists registered sources sorted by name.
func (r *Registry) Catalog() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, rs := range r.sources {
		out = append(out, rs.source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// Fetch loads data for req from the source's provider.
func (r *Registry) Fetch(ctx context.Context, req Request) (*Result, error) {
	rs, ok := r.lookup(req.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, req.Source)
	}
	res, err := rs.provider.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch knowledge %s: %w", req.Source, err)
	}
	if res == nil {
		return nil, fmt.Errorf("knowledge %s: provider returned no result", req.Source)
	}
	return res, nil
}

// validate reports whether params are acceptable for the named source.
func (r *Registry) validate(name string, params map[string]any) error {
	rs, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if rs.schema == nil {
		return nil
	}
	// Round-trip through JSON so numbers arrive in the form the validator expects.
	raw, err := json.Marshal(paramsOrEmpty(params))
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return rs.schema.Validate(doc)
}

func (r *Registry) lookup(name string) (*registeredSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.sources[name]
	return rs, ok
}

func paramsOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
