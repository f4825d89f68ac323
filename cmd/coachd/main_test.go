package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/coachd/internal/config"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coachd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "sessions", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: test
`)
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, `
llm:
  default_provider: openai
  providers:
    anthropic:
      api_key: test
`)
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected validation error for missing default provider entry")
	}
}

func TestConfigSchemaPrintsJSON(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := schema["properties"].(map[string]any)
	for _, key := range []string{"server", "database", "knowledge", "janitor"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schema missing %q", key)
		}
	}
}

func TestRuntimeServesAPI(t *testing.T) {
	instructions := filepath.Join(t.TempDir(), "coach.md")
	if err := os.WriteFile(instructions, []byte("You are a running coach."), 0o600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, `
llm:
  providers:
    anthropic:
      api_key: test
instructions:
  file: `+instructions+`
knowledge:
  enabled: true
  sources:
    - name: training_zones
      description: Heart rate zones
      static: '{"z2":[130,145]}'
janitor:
  enabled: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := newRuntime(context.Background(), cfg, newLogger(cfg.Logging, false))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	defer rt.close(context.Background())
	if rt.janitor == nil || rt.instructions == nil {
		t.Fatal("janitor and instructions file should be wired")
	}
	if got := rt.orchestrator.Config().MaxIterations; got != 10 {
		t.Errorf("MaxIterations = %d", got)
	}

	ts := httptest.NewServer(rt.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || len(body.Sessions) != 0 {
		t.Fatalf("sessions = %d %+v", resp.StatusCode, body.Sessions)
	}
}

func TestSessionsCommandsReadSQLiteStore(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
database:
  driver: sqlite
  url: file:`+filepath.Join(dir, "coachd.db")+`?_pragma=busy_timeout(5000)
  auto_migrate: true
llm:
  providers:
    anthropic:
      api_key: test
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg.Database, nil)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	session := &models.Session{OwnerID: "runner-1", Title: "Base building", Status: models.SessionActive}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Append(ctx, session.ID, models.EventUserMessage, models.UserMessagePayload{Text: "hi"}, sessions.AppendOptions{}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out, err := execute(t, "sessions", "list", "--config", path, "--owner", "runner-1")
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, session.ID) || !strings.Contains(out, "Base building") {
		t.Errorf("list output = %q", out)
	}

	out, err = execute(t, "sessions", "events", session.ID, "--config", path, "--json")
	if err != nil {
		t.Fatalf("sessions events: %v", err)
	}
	var ev models.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &ev); err != nil {
		t.Fatalf("event line %q: %v", out, err)
	}
	if ev.Sequence != 1 || ev.Kind != models.EventUserMessage {
		t.Errorf("event = %+v", ev)
	}

	out, err = execute(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "applied") || strings.Contains(out, "pending") {
		t.Errorf("status output = %q", out)
	}
}
