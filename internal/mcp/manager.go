// Package mcp connects external MCP tool servers and exposes their tools
// through the tool registry.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultCallTimeout   = 60
)

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks a single MCP server connection.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string // names registered in the registry
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns the MCP server connections listed in config and keeps their
// tools registered while they are reachable.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	configs  map[string]*config.MCPServerConfig
}

func NewManager(registry *tools.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  configs,
	}
}

// Start connects to all enabled servers. A server that fails to connect is
// logged and skipped; the joined error is returned for the caller to report.
func (m *Manager) Start(ctx context.Context) error {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		cfg := m.configs[name]
		if cfg == nil || !cfg.IsEnabled() {
			slog.Info("mcp.server.disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stop shuts down all MCP server connections and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp.server.close_error", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
	}
	m.servers = make(map[string]*serverState)
}

// ServerStatus returns the status of all connected MCP servers.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ToolNames returns all registered MCP tool names.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	sort.Strings(names)
	return names
}
