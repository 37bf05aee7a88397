package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

func TestToolFilter(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		deny  []string
		tool  string
		want  bool
	}{
		{"no lists", nil, nil, "a", true},
		{"allowed", []string{"a"}, nil, "a", true},
		{"not in allow", []string{"a"}, nil, "b", false},
		{"denied", nil, []string{"a"}, "a", false},
		{"deny wins", []string{"a"}, []string{"a"}, "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newToolFilter(tt.allow, tt.deny).allows(tt.tool); got != tt.want {
				t.Errorf("allows(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestInputSchema(t *testing.T) {
	raw := mcpgo.Tool{Name: "x", RawInputSchema: json.RawMessage(`{"properties":{"q":{"type":"string"}}}`)}
	got := inputSchema(raw)
	if got["type"] != "object" {
		t.Errorf("type should default to object: %v", got)
	}
	if _, ok := got["properties"].(map[string]any)["q"]; !ok {
		t.Errorf("properties lost: %v", got)
	}

	structured := mcpgo.Tool{Name: "y", InputSchema: mcpgo.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"n": map[string]any{"type": "integer"}},
		Required:   []string{"n"},
	}}
	got = inputSchema(structured)
	if req, _ := got["required"].([]any); len(req) != 1 || req[0] != "n" {
		t.Errorf("required = %v", got["required"])
	}
}

func TestRenderContent(t *testing.T) {
	got := renderContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "line one"},
		mcpgo.ImageContent{Type: "image", Data: "AAAA", MIMEType: "image/png"},
	})
	if got != "line one\n[image]" {
		t.Errorf("renderContent = %q", got)
	}
}

func TestBridgeTool_DisconnectedServer(t *testing.T) {
	var live atomic.Bool
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "search"}, nil, "srv_", 5, &live)
	if bt.Name() != "srv_search" || bt.OriginalName() != "search" {
		t.Errorf("names = %s / %s", bt.Name(), bt.OriginalName())
	}
	res := bt.Execute(context.Background(), map[string]any{})
	if res.Success {
		t.Error("call on a disconnected server should fail without touching the client")
	}
}

func TestManager_StartSkipsDisabledAndReportsFailures(t *testing.T) {
	off := false
	m := NewManager(tools.NewRegistry(), map[string]*config.MCPServerConfig{
		"off": {Transport: "stdio", Command: "does-not-matter", Enabled: &off},
		"bad": {Transport: "carrier-pigeon"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx); err == nil {
		t.Fatal("unsupported transport should be reported")
	}
	if len(m.ServerStatus()) != 0 || len(m.ToolNames()) != 0 {
		t.Error("no server should be registered")
	}
	m.Stop()
}

func TestReconnectBackoff(t *testing.T) {
	if reconnectBackoff(1) != initialBackoff {
		t.Errorf("first backoff = %s", reconnectBackoff(1))
	}
	if reconnectBackoff(10) != maxBackoff {
		t.Errorf("backoff should cap at %s", maxBackoff)
	}
}
