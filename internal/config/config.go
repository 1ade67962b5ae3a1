// Package config loads and hot-reloads the process configuration file.
// Grounded on the teacher's internal/config/config.go: JSON on disk,
// secrets (API keys, DSNs) sourced from the environment only and never
// persisted, FlexibleStringSlice for fields that may arrive as either a
// string or an array in hand-edited config files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// FlexibleStringSlice unmarshals either a bare JSON string or a JSON
// array of strings into a []string, matching the teacher's tolerance for
// hand-edited config files.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*f = nil
		} else {
			*f = []string{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("config: flexible string slice: %w", err)
	}
	*f = list
	return nil
}

// DatabaseConfig selects and configures the Store backend. Only Backend
// and SQLitePath are read from disk; PostgresDSN is sourced from the
// FABRIC_POSTGRES_DSN environment variable only — never persisted.
type DatabaseConfig struct {
	Backend     string `json:"backend"` // "sqlite" (default) | "postgres"
	SQLitePath  string `json:"sqlitePath"`
	PostgresDSN string `json:"-"`
}

func (d DatabaseConfig) IsPostgres() bool { return d.Backend == "postgres" }

// ChannelConfig configures one chat channel adapter. Token is read from
// environment, never from disk.
type ChannelConfig struct {
	Type    string `json:"type"` // "discord" | "telegram"
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
}

// SubagentConfig mirrors the spec's AgentRegistry defaults.
type SubagentConfig struct {
	MaxDepth            int `json:"maxDepth"`
	MaxConcurrent       int `json:"maxConcurrent"`
	MaxChildrenPerAgent int `json:"maxChildrenPerAgent"`
	DefaultTimeoutMS    int64 `json:"defaultTimeoutMs"`
	MaxIterations       int `json:"maxIterations"`
}

// SwarmConfig mirrors the spec's SwarmCoordinator defaults.
type SwarmConfig struct {
	MaxAgents  int   `json:"maxAgents"`
	TimeoutMS  int64 `json:"timeoutMs"`
}

// BackgroundConfig mirrors the spec's BackgroundTaskRunner defaults.
type BackgroundConfig struct {
	MaxPerChat         int   `json:"maxPerChat"`
	ProgressThrottleMS int64 `json:"progressThrottleMs"`
	CleanupDelayMS     int64 `json:"cleanupDelayMs"`
}

// ApprovalConfig mirrors the spec's ApprovalManager defaults.
type ApprovalConfig struct {
	TimeoutMS int64 `json:"timeoutMs"`
}

// TracingConfig configures the OTel exporter.
type TracingConfig struct {
	Enabled        bool   `json:"enabled"`
	OTLPEndpoint   string `json:"otlpEndpoint"`
	UseHTTP        bool   `json:"useHttp"`
	Verbose        bool   `json:"verbose"`
}

// HTTPAPIConfig configures the read-only operator surface.
type HTTPAPIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// ScheduleConfig configures the poller.
type ScheduleConfig struct {
	PollIntervalMS int64 `json:"pollIntervalMs"`
}

// MCPServerConfig describes one Model Context Protocol server to
// connect to over stdio, mirroring internal/mcptools.ServerConfig.
type MCPServerConfig struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"-"`
	ToolPrefix string            `json:"toolPrefix"`
}

// Config is the root of config.json.
type Config struct {
	Database     DatabaseConfig      `json:"database"`
	Channels     []ChannelConfig     `json:"channels"`
	Agents       FlexibleStringSlice `json:"agents"`
	Subagent     SubagentConfig      `json:"subagent"`
	Swarm        SwarmConfig         `json:"swarm"`
	Background   BackgroundConfig    `json:"background"`
	Approval     ApprovalConfig      `json:"approval"`
	Tracing      TracingConfig       `json:"tracing"`
	HTTPAPI      HTTPAPIConfig       `json:"httpapi"`
	Schedule     ScheduleConfig      `json:"schedule"`
	MCPServers   []MCPServerConfig   `json:"mcpServers"`
	DefaultModel string              `json:"defaultModel"`

	// AnthropicAPIKey is read from ANTHROPIC_API_KEY, never from disk.
	AnthropicAPIKey string `json:"-"`
}

// Default returns a Config with the spec's documented default timings.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Backend: "sqlite", SQLitePath: "fabric.db"},
		Subagent: SubagentConfig{
			MaxDepth:            3,
			MaxConcurrent:       4,
			MaxChildrenPerAgent: 8,
			DefaultTimeoutMS:    300_000,
			MaxIterations:       50,
		},
		Swarm: SwarmConfig{MaxAgents: 6, TimeoutMS: 600_000},
		Background: BackgroundConfig{
			MaxPerChat:         3,
			ProgressThrottleMS: 30_000,
			CleanupDelayMS:     60_000,
		},
		Approval: ApprovalConfig{TimeoutMS: 120_000},
		Schedule: ScheduleConfig{PollIntervalMS: 15_000},
		HTTPAPI:  HTTPAPIConfig{Enabled: true, Addr: ":8089"},
		DefaultModel: "claude-sonnet-4-5",
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FABRIC_POSTGRES_DSN"); v != "" {
		c.Database.PostgresDSN = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.AnthropicAPIKey = v
	}
	for i := range c.Channels {
		switch c.Channels[i].Type {
		case "discord":
			c.Channels[i].Token = os.Getenv("DISCORD_BOT_TOKEN")
		case "telegram":
			c.Channels[i].Token = os.Getenv("TELEGRAM_BOT_TOKEN")
		}
	}
}
