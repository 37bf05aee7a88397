package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// OneBot deployments routinely write numeric QQ IDs unquoted.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the groupclaw bot.
type Config struct {
	Bot         BotConfig         `json:"bot"`
	Provider    ProviderConfig    `json:"provider"`
	Channels    ChannelsConfig    `json:"channels"`
	Groups      GroupsConfig      `json:"groups"`
	Compression CompressionConfig `json:"compression"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     StorageConfig     `json:"storage"`
	Tools       ToolsConfig       `json:"tools"`
	Media       MediaConfig       `json:"media"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
}

// BotConfig holds the bot persona.
type BotConfig struct {
	Name        string `json:"name"`
	Persona     string `json:"persona,omitempty"`      // appended to the base system prompt
	PromptsFile string `json:"prompts_file,omitempty"` // optional YAML overriding built-in prompt templates
}

// ProviderConfig configures the OpenAI-compatible model endpoint.
// APIKey is never read from the config file, only from env GROUPCLAW_API_KEY.
type ProviderConfig struct {
	Name         string  `json:"name"`
	APIKey       string  `json:"-"`
	APIBase      string  `json:"api_base,omitempty"`
	Model        string  `json:"model"`
	SummaryModel string  `json:"summary_model,omitempty"` // defaults to Model
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TimeoutSec   int     `json:"timeout_sec,omitempty"` // per model request
	Vision       bool    `json:"vision,omitempty"`      // model accepts image parts
}

// Timeout returns the per-request timeout.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// ChannelsConfig holds chat platform connections.
type ChannelsConfig struct {
	OneBot OneBotConfig `json:"onebot"`
}

// OneBotConfig configures the OneBot v11 forward WebSocket connection.
type OneBotConfig struct {
	Enabled       bool    `json:"enabled"`
	URL           string  `json:"url"`                       // e.g. ws://127.0.0.1:3001
	AccessToken   string  `json:"-"`                         // from env GROUPCLAW_ONEBOT_TOKEN only
	SelfID        string  `json:"self_id,omitempty"`         // learned from the lifecycle event when empty
	ReconnectSec  int     `json:"reconnect_sec,omitempty"`   // max reconnect backoff (default 60)
	SendRPS       float64 `json:"send_rps,omitempty"`        // outbound messages per second (default 1)
	SendBurst     int     `json:"send_burst,omitempty"`      // default 3
	APITimeoutSec int     `json:"api_timeout_sec,omitempty"` // action response wait (default 15)
}

// GroupPolicy is the per-group reply policy.
type GroupPolicy struct {
	Enabled          bool    `json:"enabled"`
	MustReplyOnAt    bool    `json:"must_reply_on_at"`
	MustReplyOnQuote bool    `json:"must_reply_on_quote"`
	RandomReplyProb  float64 `json:"random_reply_prob"`
	CooldownMs       int     `json:"cooldown_ms"`
	CustomPrompt     string  `json:"custom_prompt,omitempty"`
}

// Cooldown returns the aggregation window; zero disables aggregation.
func (p GroupPolicy) Cooldown() time.Duration {
	if p.CooldownMs <= 0 {
		return 0
	}
	return time.Duration(p.CooldownMs) * time.Millisecond
}

// GroupOverride overrides selected GroupPolicy fields for one group.
// Nil fields inherit from the defaults.
type GroupOverride struct {
	Enabled          *bool    `json:"enabled,omitempty"`
	MustReplyOnAt    *bool    `json:"must_reply_on_at,omitempty"`
	MustReplyOnQuote *bool    `json:"must_reply_on_quote,omitempty"`
	RandomReplyProb  *float64 `json:"random_reply_prob,omitempty"`
	CooldownMs       *int     `json:"cooldown_ms,omitempty"`
	CustomPrompt     *string  `json:"custom_prompt,omitempty"`
}

// GroupsConfig holds the default policy plus per-group overrides keyed by group ID.
type GroupsConfig struct {
	Default GroupPolicy               `json:"default"`
	List    map[string]*GroupOverride `json:"list,omitempty"`
	// Allow restricts the bot to these groups; empty means every group may use the default.
	Allow FlexibleStringSlice `json:"allow,omitempty"`
}

// Resolve returns the effective policy for a group.
func (g *GroupsConfig) Resolve(groupID string) GroupPolicy {
	p := g.Default
	if len(g.Allow) > 0 && !contains(g.Allow, groupID) {
		p.Enabled = false
	}
	o, ok := g.List[groupID]
	if !ok || o == nil {
		return p
	}
	if o.Enabled != nil {
		p.Enabled = *o.Enabled
	}
	if o.MustReplyOnAt != nil {
		p.MustReplyOnAt = *o.MustReplyOnAt
	}
	if o.MustReplyOnQuote != nil {
		p.MustReplyOnQuote = *o.MustReplyOnQuote
	}
	if o.RandomReplyProb != nil {
		p.RandomReplyProb = *o.RandomReplyProb
	}
	if o.CooldownMs != nil {
		p.CooldownMs = *o.CooldownMs
	}
	if o.CustomPrompt != nil {
		p.CustomPrompt = *o.CustomPrompt
	}
	return p
}

// CompressionConfig controls history summarization.
type CompressionConfig struct {
	Threshold  int `json:"threshold"`   // message count that triggers compression
	MaxContext int `json:"max_context"` // about a third of this is kept verbatim
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// KeepCount is the number of most recent entries kept after compression.
func (c CompressionConfig) KeepCount() int {
	keep := c.MaxContext / 3
	if keep < 1 {
		keep = 1
	}
	return keep
}

// SchedulerConfig controls per-group queueing.
type SchedulerConfig struct {
	QueueCapacity int `json:"queue_capacity,omitempty"` // default 10
	// TriggersPerMinute caps how many replies one member can trigger per
	// minute in a group; further messages are recorded but not answered.
	// Zero disables the cap.
	TriggersPerMinute int `json:"triggers_per_minute,omitempty"`
}

// StorageConfig selects the conversation store.
// DSN is never read from the config file, only from env GROUPCLAW_POSTGRES_DSN.
type StorageConfig struct {
	Driver string `json:"driver"` // "file" (default), "sqlite", "postgres"
	Path   string `json:"path,omitempty"`
	DSN    string `json:"-"`
}

// ToolsConfig controls tool exposure.
type ToolsConfig struct {
	Disabled   []string                    `json:"disabled,omitempty"`
	Subagent   SubagentConfig              `json:"subagent"`
	Web        WebToolsConfig              `json:"web"`
	McpServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// SubagentConfig configures the delegate tool.
type SubagentConfig struct {
	Enabled   bool `json:"enabled"`
	MaxRounds int  `json:"max_rounds,omitempty"` // default 5
}

// WebToolsConfig controls the web_search and web_fetch tools.
// BraveAPIKey is read from env GROUPCLAW_BRAVE_API_KEY only; without it
// searches go to DuckDuckGo.
type WebToolsConfig struct {
	Search        bool   `json:"search"`
	Fetch         bool   `json:"fetch"`
	BraveAPIKey   string `json:"-"`
	FetchMaxChars int    `json:"fetch_max_chars,omitempty"` // default 8000
}

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
	ToolAllow  []string          `json:"tool_allow,omitempty"`  // only these server tools (original names)
	ToolDeny   []string          `json:"tool_deny,omitempty"`   // never these; wins over allow
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MediaConfig controls the image cache used by the vision path.
type MediaConfig struct {
	Dir          string `json:"dir,omitempty"`
	MaxDimension int    `json:"max_dimension,omitempty"` // longest edge after downsizing (default 1024)
	MaxBytes     int64  `json:"max_bytes,omitempty"`     // download cap (default 10MB)
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"` // OTLP/HTTP endpoint host:port
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
