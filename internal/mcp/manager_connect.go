package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
)

// connectServer creates a client, runs the handshake, and registers the
// server's tools that pass the allow/deny filter.
func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio starts on construction; the HTTP transports need an explicit Start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "groupclaw",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = defaultCallTimeout
	}

	ss := &serverState{
		name:      name,
		transport: cfg.Transport,
		client:    client,
	}
	ss.connected.Store(true)

	filter := newToolFilter(cfg.ToolAllow, cfg.ToolDeny)
	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		if !filter.allows(mcpTool.Name) {
			slog.Debug("mcp.tool.filtered", "server", name, "tool", mcpTool.Name)
			continue
		}
		bt := NewBridgeTool(name, mcpTool, client, cfg.ToolPrefix, timeoutSec, &ss.connected)

		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp.tool.name_collision", "server", name, "tool", bt.Name(), "action", "skipped")
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", name, "transport", cfg.Transport, "tools", len(registered))
	return nil
}

// createClient creates the MCP client for the configured transport.
func createClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// healthLoop periodically pings the server and attempts reconnection on failure.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			// Servers that don't implement "ping" are still alive.
			if err == nil || strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.markHealthy()
				continue
			}
			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()

			slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

// tryReconnect waits with exponential backoff and pings again; the
// transports reconnect on their own.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("max reconnect attempts (%d) reached", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := reconnectBackoff(attempt)
	slog.Info("mcp.server.reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		slog.Info("mcp.server.reconnected", "server", ss.name)
	}
}

func reconnectBackoff(attempt int) time.Duration {
	return min(initialBackoff*time.Duration(1<<(attempt-1)), maxBackoff)
}
