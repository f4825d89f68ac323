package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/coachd/internal/backoff"
	"github.com/haasonsaas/coachd/internal/config"
)

var fastPolicy = &backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1}

func TestHTTPProviderFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/training_log" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("days"); got != "30" {
			t.Errorf("days = %q", got)
		}
		if got := r.URL.Query()["sport"]; len(got) != 2 || got[0] != "run" || got[1] != "bike" {
			t.Errorf("sport = %v", got)
		}
		if got := r.Header.Get(CallerHeader); got != "athlete-7" {
			t.Errorf("caller header = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"12 runs, 140km","runs":12}`))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL + "/v1/", APIKey: "secret"})
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}
	res, err := p.Fetch(context.Background(), Request{
		Source:   "training_log",
		Params:   map[string]any{"days": float64(30), "sport": []any{"run", "bike"}},
		CallerID: "athlete-7",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Text != "12 runs, 140km" {
		t.Errorf("text = %q", res.Text)
	}
	if string(res.Data) != `{"text":"12 runs, 140km","runs":12}` {
		t.Errorf("data = %s", res.Data)
	}
}

func TestHTTPProviderPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zone 2: 140-150 bpm\n"))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Fetch(context.Background(), Request{Source: "zones"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Text != "zone 2: 140-150 bpm" || res.Data != nil {
		t.Errorf("result = %+v", res)
	}
}

func TestHTTPProviderRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, Policy: fastPolicy})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Fetch(context.Background(), Request{Source: "zones"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Text != "ok" || calls.Load() != 3 {
		t.Fatalf("text = %q calls = %d", res.Text, calls.Load())
	}
}

func TestHTTPProviderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such source", http.StatusNotFound)
	}))
	defer server.Close()

	p, err := NewHTTPProvider(HTTPConfig{BaseURL: server.URL, Policy: fastPolicy})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Fetch(context.Background(), Request{Source: "nope"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewHTTPProviderRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPProvider(HTTPConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRegistryFromConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("remote " + r.URL.Path))
	}))
	defer server.Close()

	registry, err := RegistryFromConfig(config.KnowledgeConfig{
		BaseURL: server.URL,
		Sources: []config.KnowledgeSourceConfig{
			{Name: "zones", Description: "HR zones", Static: "z2 140-150"},
			{
				Name:        "training_log",
				Description: "Workouts",
				Params: map[string]any{
					"type":       "object",
					"properties": map[string]any{"days": map[string]any{"type": "integer"}},
				},
			},
		},
	}, nil)
	if err != nil {
		t.Fatalf("RegistryFromConfig: %v", err)
	}
	catalog := registry.Catalog()
	if len(catalog) != 2 || catalog[0].Name != "training_log" || len(catalog[0].Params) == 0 {
		t.Fatalf("catalog = %+v", catalog)
	}

	res, err := registry.Fetch(context.Background(), Request{Source: "zones"})
	if err != nil || res.Text != "z2 140-150" {
		t.Fatalf("static fetch = %+v, %v", res, err)
	}
	res, err = registry.Fetch(context.Background(), Request{Source: "training_log"})
	if err != nil || res.Text != "remote /training_log" {
		t.Fatalf("remote fetch = %+v, %v", res, err)
	}
	if err := registry.validate("training_log", map[string]any{"days": "many"}); err == nil {
		t.Error("expected params validation error")
	}
}
