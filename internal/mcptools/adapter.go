// Package mcptools adapts one or more Model Context Protocol servers
// (github.com/mark3labs/mcp-go) to the agent.ToolExecutor contract.
// Grounded on internal/mcp/manager.go and manager_connect.go: stdio
// client construction, the Initialize/ListTools handshake, and
// prefixed tool names to avoid collisions across servers. Narrowed to
// a thin adapter only — no managed-mode per-user server grants, no
// health-check/reconnect loop, and no dynamic tool-group registration,
// since this module has no policy engine or tool registry those
// concerns would plug into.
package mcptools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/orcfabric/fabric/internal/llm"
)

// ServerConfig describes one MCP server to connect to over stdio.
type ServerConfig struct {
	Name       string
	Command    string
	Args       []string
	Env        map[string]string
	ToolPrefix string
}

type boundTool struct {
	server       string
	originalName string
	client       *mcpclient.Client
	definition   llm.ToolDefinition
}

// Adapter connects to a fixed set of MCP servers at construction time
// and exposes their tools as one flat ToolExecutor surface, each tool
// name prefixed with its server's configured prefix (or server name,
// if no prefix is set) to avoid cross-server collisions.
type Adapter struct {
	mu    sync.RWMutex
	tools map[string]*boundTool
}

// Connect dials every configured server, discovers its tools, and
// returns an Adapter exposing all of them. A server that fails to
// connect is logged and skipped rather than failing the whole call —
// matching the teacher's Manager.Start non-fatal per-server handling.
func Connect(ctx context.Context, configs []ServerConfig) (*Adapter, error) {
	a := &Adapter{tools: make(map[string]*boundTool)}
	for _, cfg := range configs {
		if err := a.connectOne(ctx, cfg); err != nil {
			slog.Warn("mcptools: server connect failed", "server", cfg.Name, "error", err)
		}
	}
	return a, nil
}

func (a *Adapter) connectOne(ctx context.Context, cfg ServerConfig) error {
	envSlice := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envSlice = append(envSlice, fmt.Sprintf("%s=%s", k, v))
	}
	client, err := mcpclient.NewStdioMCPClient(cfg.Command, envSlice, cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "fabric", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	result, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	prefix := cfg.ToolPrefix
	if prefix == "" {
		prefix = cfg.Name
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range result.Tools {
		qualified := prefix + "_" + t.Name
		if _, exists := a.tools[qualified]; exists {
			slog.Warn("mcptools: tool name collision, skipping", "server", cfg.Name, "tool", qualified)
			continue
		}
		a.tools[qualified] = &boundTool{
			server:       cfg.Name,
			originalName: t.Name,
			client:       client,
			definition: llm.ToolDefinition{
				Name:        qualified,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
		}
	}
	return nil
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]interface{} {
	return map[string]interface{}{
		"type":       schema.Type,
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}

// Definitions implements agent.ToolExecutor.
func (a *Adapter) Definitions() []llm.ToolDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(a.tools))
	for _, t := range a.tools {
		out = append(out, t.definition)
	}
	return out
}

// Execute implements agent.ToolExecutor, dispatching to the MCP
// server that owns name and flattening any text content blocks in the
// result into a single string.
func (a *Adapter) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	a.mu.RLock()
	bt, ok := a.tools[name]
	a.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcptools: unknown tool %q", name)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = bt.originalName
	req.Params.Arguments = args

	result, err := bt.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcptools: call %q on %q: %w", bt.originalName, bt.server, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return sb.String(), fmt.Errorf("mcptools: tool %q reported an error", bt.originalName)
	}
	return sb.String(), nil
}

// Close shuts down every connected server client.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[*mcpclient.Client]bool)
	for _, t := range a.tools {
		if t.client == nil || seen[t.client] {
			continue
		}
		seen[t.client] = true
		_ = t.client.Close()
	}
	a.tools = make(map[string]*boundTool)
}
