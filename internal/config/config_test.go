package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestFlexibleStringSlice_AcceptsBareStringOrArray(t *testing.T) {
	var single FlexibleStringSlice
	if err := json.Unmarshal([]byte(`"reviewer"`), &single); err != nil {
		t.Fatalf("unmarshal bare string: %v", err)
	}
	if len(single) != 1 || single[0] != "reviewer" {
		t.Fatalf("expected [reviewer], got %+v", single)
	}

	var list FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["reviewer","planner"]`), &list); err != nil {
		t.Fatalf("unmarshal array: %v", err)
	}
	if len(list) != 2 || list[0] != "reviewer" || list[1] != "planner" {
		t.Fatalf("expected [reviewer planner], got %+v", list)
	}

	var empty FlexibleStringSlice
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil {
		t.Fatalf("unmarshal empty string: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil for empty bare string, got %+v", empty)
	}
}

func TestDatabaseConfig_IsPostgres(t *testing.T) {
	if (DatabaseConfig{Backend: "sqlite"}).IsPostgres() {
		t.Fatal("sqlite backend should not report IsPostgres")
	}
	if !(DatabaseConfig{Backend: "postgres"}).IsPostgres() {
		t.Fatal("postgres backend should report IsPostgres")
	}
}

func TestDefault_MatchesDocumentedTimings(t *testing.T) {
	cfg := Default()
	if cfg.Database.Backend != "sqlite" {
		t.Fatalf("expected sqlite default backend, got %q", cfg.Database.Backend)
	}
	if cfg.Subagent.MaxDepth != 3 || cfg.Subagent.MaxConcurrent != 4 || cfg.Subagent.MaxChildrenPerAgent != 8 {
		t.Fatalf("unexpected subagent defaults: %+v", cfg.Subagent)
	}
	if cfg.Swarm.MaxAgents != 6 || cfg.Swarm.TimeoutMS != 600_000 {
		t.Fatalf("unexpected swarm defaults: %+v", cfg.Swarm)
	}
	if cfg.Approval.TimeoutMS != 120_000 {
		t.Fatalf("unexpected approval timeout default: %d", cfg.Approval.TimeoutMS)
	}
	if !cfg.HTTPAPI.Enabled || cfg.HTTPAPI.Addr != ":8089" {
		t.Fatalf("unexpected httpapi defaults: %+v", cfg.HTTPAPI)
	}
	if cfg.DefaultModel == "" {
		t.Fatal("expected a non-empty default model")
	}
}

func TestApplyEnv_ReadsSecretsFromEnvironmentOnly(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("FABRIC_POSTGRES_DSN", "postgres://test")
	t.Setenv("DISCORD_BOT_TOKEN", "discord-token")

	cfg := Default()
	cfg.Channels = []ChannelConfig{{Type: "discord", Enabled: true}}
	cfg.applyEnv()

	if cfg.AnthropicAPIKey != "test-key" {
		t.Fatalf("expected AnthropicAPIKey from env, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.Database.PostgresDSN != "postgres://test" {
		t.Fatalf("expected PostgresDSN from env, got %q", cfg.Database.PostgresDSN)
	}
	if cfg.Channels[0].Token != "discord-token" {
		t.Fatalf("expected discord token from env, got %q", cfg.Channels[0].Token)
	}
}

func TestLoad_MissingFileReturnsDefaultsWithEnvApplied(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("expected no error for a missing config file, got %v", err)
	}
	if cfg.AnthropicAPIKey != "from-env" {
		t.Fatalf("expected env overlay on defaults, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.Database.Backend != "sqlite" {
		t.Fatalf("expected default backend, got %q", cfg.Database.Backend)
	}
}

func TestLoad_ParsesJSON5AndOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.json"
	content := `{
		// comments and trailing commas are tolerated
		"database": { "backend": "sqlite", "sqlitePath": "custom.db" },
		"swarm": { "maxAgents": 10 },
		"mcpServers": [{ "name": "fs", "command": "mcp-fs", "args": ["--root", "."] }],
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.SQLitePath != "custom.db" {
		t.Fatalf("expected custom sqlite path, got %q", cfg.Database.SQLitePath)
	}
	if cfg.Swarm.MaxAgents != 10 {
		t.Fatalf("expected overridden maxAgents, got %d", cfg.Swarm.MaxAgents)
	}
	if cfg.Approval.TimeoutMS != 120_000 {
		t.Fatalf("expected untouched fields to keep their defaults, got %d", cfg.Approval.TimeoutMS)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Name != "fs" || cfg.MCPServers[0].Command != "mcp-fs" {
		t.Fatalf("expected one mcp server parsed, got %+v", cfg.MCPServers)
	}
}
