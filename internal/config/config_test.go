package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "coachd.yaml", `
server:
  host: 0.0.0.0
  extra: true
llm:
  providers:
    anthropic: {}
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "coachd.yaml", `
llm:
  providers:
    anthropic:
      api_key: test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.TurnTimeout != 0 {
		t.Errorf("TurnTimeout = %v, want no wall-clock limit by default", cfg.Agent.TurnTimeout)
	}
	if cfg.LLM.Initializer.Provider != "anthropic" {
		t.Errorf("Initializer.Provider = %q", cfg.LLM.Initializer.Provider)
	}
	if cfg.Janitor.IdleAfter != 24*time.Hour {
		t.Errorf("IdleAfter = %v", cfg.Janitor.IdleAfter)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("COACHD_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "coachd.yaml", `
llm:
  providers:
    anthropic:
      api_key: ${COACHD_TEST_KEY}
      default_model: ${COACHD_TEST_MODEL:-claude-sonnet-4-20250514}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	provider := cfg.LLM.Providers["anthropic"]
	if provider.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q", provider.APIKey)
	}
	if provider.DefaultModel != "claude-sonnet-4-20250514" {
		t.Errorf("DefaultModel = %q", provider.DefaultModel)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), `
server:
  http_port: 9000
agent:
  max_tokens: 2048
llm:
  providers:
    anthropic: {}
`)
	path := writeFile(t, filepath.Join(dir, "coachd.yaml"), `
$include: base.yaml
agent:
  max_iterations: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Agent.MaxTokens != 2048 || cfg.Agent.MaxIterations != 4 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "coachd.json5", `{
  // comments are allowed
  llm: {default_provider: "openai", providers: {openai: {api_key: "k"}}},
  agent: {max_iterations: 3,},
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.DefaultProvider != "openai" || cfg.Agent.MaxIterations != 3 {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "default provider missing",
			content: `
llm:
  default_provider: openai
  providers:
    anthropic: {}
`,
			want: "default_provider",
		},
		{
			name: "unsupported provider",
			content: `
llm:
  providers:
    anthropic: {}
    mistral: {}
`,
			want: "llm.providers.mistral",
		},
		{
			name: "bad driver",
			content: `
database:
  driver: mysql
llm:
  providers:
    anthropic: {}
`,
			want: "database.driver",
		},
		{
			name: "postgres without url",
			content: `
database:
  driver: postgres
llm:
  providers:
    anthropic: {}
`,
			want: "database.url",
		},
		{
			name: "instructions text and file",
			content: `
instructions:
  text: hi
  file: coach.md
llm:
  providers:
    anthropic: {}
`,
			want: "instructions",
		},
		{
			name: "knowledge source without backend",
			content: `
knowledge:
  enabled: true
  sources:
    - name: workouts
llm:
  providers:
    anthropic: {}
`,
			want: "knowledge.sources[0]",
		},
		{
			name: "duplicate knowledge source",
			content: `
knowledge:
  base_url: http://knowledge
  sources:
    - name: workouts
    - name: workouts
llm:
  providers:
    anthropic: {}
`,
			want: "duplicated",
		},
		{
			name: "auth without credentials",
			content: `
auth:
  enabled: true
llm:
  providers:
    anthropic: {}
`,
			want: "auth.enabled",
		},
		{
			name: "bad timezone",
			content: `
agent:
  default_timezone: Mars/Olympus
llm:
  providers:
    anthropic: {}
`,
			want: "default_timezone",
		},
		{
			name: "future version",
			content: `
version: 2
llm:
  providers:
    anthropic: {}
`,
			want: "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "coachd.yaml", tt.content))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultNeedsProvider(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
	cfg.LLM.Providers = map[string]LLMProviderConfig{"anthropic": {}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not json: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"server", "database", "llm", "agent", "knowledge", "janitor"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), name), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
