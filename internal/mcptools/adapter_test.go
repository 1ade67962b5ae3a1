package mcptools

import (
	"context"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/orcfabric/fabric/internal/llm"
)

func TestSchemaToMap(t *testing.T) {
	schema := mcpgo.ToolInputSchema{
		Type:       "object",
		Properties: map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		Required:   []string{"path"},
	}
	got := schemaToMap(schema)
	if got["type"] != "object" {
		t.Fatalf("expected type object, got %+v", got["type"])
	}
	required, ok := got["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "path" {
		t.Fatalf("expected required=[path], got %+v", got["required"])
	}
}

func TestDefinitions_AggregatesAllBoundTools(t *testing.T) {
	a := &Adapter{tools: map[string]*boundTool{
		"fs_read": {
			server:       "fs",
			originalName: "read",
			definition:   llm.ToolDefinition{Name: "fs_read", Description: "read a file"},
		},
		"fs_write": {
			server:       "fs",
			originalName: "write",
			definition:   llm.ToolDefinition{Name: "fs_write", Description: "write a file"},
		},
	}}

	defs := a.Definitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["fs_read"] || !names["fs_write"] {
		t.Fatalf("expected both fs_read and fs_write, got %+v", names)
	}
}

func TestExecute_UnknownToolReturnsError(t *testing.T) {
	a := &Adapter{tools: map[string]*boundTool{}}
	_, err := a.Execute(context.Background(), "ghost_tool", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown tool name")
	}
}

func TestClose_ClearsTools(t *testing.T) {
	a := &Adapter{tools: map[string]*boundTool{
		"fs_read":  {client: nil},
		"fs_write": {client: nil},
	}}
	a.Close()
	if len(a.tools) != 0 {
		t.Fatalf("expected tools cleared after Close, got %d", len(a.tools))
	}
}
