package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

// BridgeTool exposes one remote MCP tool as a tools.Tool.
type BridgeTool struct {
	server     string
	name       string // registry name (prefix + original)
	original   string
	desc       string
	params     map[string]any
	client     *mcpclient.Client
	timeout    time.Duration
	serverLive *atomic.Bool
}

func NewBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, live *atomic.Bool) *BridgeTool {
	return &BridgeTool{
		server:     server,
		name:       prefix + t.Name,
		original:   t.Name,
		desc:       t.Description,
		params:     inputSchema(t),
		client:     client,
		timeout:    time.Duration(timeoutSec) * time.Second,
		serverLive: live,
	}
}

func (b *BridgeTool) Name() string                { return b.name }
func (b *BridgeTool) OriginalName() string        { return b.original }
func (b *BridgeTool) Description() string         { return b.desc }
func (b *BridgeTool) Parameters() map[string]any { return b.params }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if b.serverLive != nil && !b.serverLive.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.server))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s failed: %v", b.original, err)).WithError(err)
	}

	text := renderContent(res.Content)
	if res.IsError {
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// inputSchema converts the server-declared schema to the map form the
// registry and providers use.
func inputSchema(t mcpgo.Tool) map[string]any {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else if b, err := json.Marshal(t.InputSchema); err == nil {
		raw = b
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		out = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	return out
}

func renderContent(contents []mcpgo.Content) string {
	var parts []string
	for _, c := range contents {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent, *mcpgo.ImageContent:
			parts = append(parts, "[image]")
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
