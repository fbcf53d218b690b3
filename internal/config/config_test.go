package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadBasic(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
database:
  path: /tmp/agent.db
llm:
  provider: openai
  model: gpt-4o
  max_tokens: 2048
agent:
  max_iterations: 10
tool_servers:
  - name: memory-server
    command: metagen-toolserver
    args: ["--mode", "memory"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/agent.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("agent.max_iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if len(cfg.ToolServers) != 1 || cfg.ToolServers[0].Name != "memory-server" {
		t.Fatalf("tool_servers = %+v", cfg.ToolServers)
	}
	if got := cfg.ToolServers[0].Args; len(got) != 2 || got[0] != "--mode" {
		t.Errorf("tool server args = %v", got)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
llm:
  provider: anthropic
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 50 {
		t.Errorf("default max_iterations = %d, want 50", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.MaxToolsPerTurn != 100 {
		t.Errorf("default max_tools_per_turn = %d, want 100", cfg.Agent.MaxToolsPerTurn)
	}
	if cfg.Agent.MaxRepeatedCalls != 5 {
		t.Errorf("default max_repeated_calls = %d, want 5", cfg.Agent.MaxRepeatedCalls)
	}
	if cfg.Agent.MaxTokenBudget != 1_000_000 {
		t.Errorf("default max_token_budget = %d, want 1000000", cfg.Agent.MaxTokenBudget)
	}
	if cfg.Database.Path != "metagen.db" {
		t.Errorf("default database.path = %q", cfg.Database.Path)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default logging = %+v", cfg.Logging)
	}
}

func TestLoadToolServerDefaults(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
tool_servers:
  - name: memory-server
    command: metagen-toolserver
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ts := cfg.ToolServers[0]
	if ts.HealthInterval != 30*time.Second {
		t.Errorf("health_interval = %v, want 30s", ts.HealthInterval)
	}
	if ts.MaxRestarts != 5 {
		t.Errorf("max_restarts = %d, want 5", ts.MaxRestarts)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_METAGEN_KEY", "sk-from-env")
	path := writeConfig(t, "metagen.yaml", `
llm:
  provider: anthropic
  api_key: ${TEST_METAGEN_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want sk-from-env", cfg.LLM.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
llm:
  provider: anthropic
  modle: typo
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("llm:\n  provider: gemini\n  model: gemini-2.0-flash\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	main := filepath.Join(dir, "metagen.yaml")
	body := "$include: base.yaml\nllm:\n  model: gemini-2.5-pro\n"
	if err := os.WriteFile(main, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("included provider = %q, want gemini", cfg.LLM.Provider)
	}
	// The including file wins over the include.
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q, want gemini-2.5-pro", cfg.LLM.Model)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "metagen.json5", `
{
  // comments are allowed
  llm: {provider: "openai"},
  agent: {max_iterations: 3},
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Provider != "openai" {
		t.Errorf("provider = %q, want openai", cfg.LLM.Provider)
	}
	if cfg.Agent.MaxIterations != 3 {
		t.Errorf("max_iterations = %d, want 3", cfg.Agent.MaxIterations)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
llm:
  provider: cohere
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "llm.provider") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestValidateRejectsDuplicateToolServers(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
tool_servers:
  - name: memory-server
    command: a
  - name: memory-server
    command: b
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
}

func TestValidateRejectsToolServerWithoutCommand(t *testing.T) {
	path := writeConfig(t, "metagen.yaml", `
tool_servers:
  - name: memory-server
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "command") {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestJSONSchemaGenerates(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	if !strings.Contains(string(data), "tool_servers") {
		t.Error("schema does not mention tool_servers")
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
