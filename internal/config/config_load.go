package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name: "groupclaw",
		},
		Provider: ProviderConfig{
			Name:        "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   2048,
			Temperature: 0.7,
			TimeoutSec:  120,
		},
		Channels: ChannelsConfig{
			OneBot: OneBotConfig{
				URL:           "ws://127.0.0.1:3001",
				ReconnectSec:  60,
				SendRPS:       1,
				SendBurst:     3,
				APITimeoutSec: 15,
			},
		},
		Groups: GroupsConfig{
			Default: GroupPolicy{
				Enabled:          true,
				MustReplyOnAt:    true,
				MustReplyOnQuote: true,
				RandomReplyProb:  0,
				CooldownMs:       0,
			},
		},
		Compression: CompressionConfig{
			Threshold:  120,
			MaxContext: 60,
			TimeoutSec: 120,
		},
		Scheduler: SchedulerConfig{
			QueueCapacity: 10,
		},
		Storage: StorageConfig{
			Driver: "file",
			Path:   "~/.groupclaw/groups",
		},
		Tools: ToolsConfig{
			Subagent: SubagentConfig{MaxRounds: 5},
			Web:      WebToolsConfig{Search: true, Fetch: true},
		},
		Media: MediaConfig{
			Dir:          "~/.groupclaw/media",
			MaxDimension: 1024,
			MaxBytes:     10 * 1024 * 1024,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "groupclaw",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("GROUPCLAW_API_KEY", &c.Provider.APIKey)
	envStr("GROUPCLAW_API_BASE", &c.Provider.APIBase)
	envStr("GROUPCLAW_MODEL", &c.Provider.Model)
	envStr("GROUPCLAW_BOT_NAME", &c.Bot.Name)

	envStr("GROUPCLAW_ONEBOT_URL", &c.Channels.OneBot.URL)
	envStr("GROUPCLAW_ONEBOT_TOKEN", &c.Channels.OneBot.AccessToken)
	envStr("GROUPCLAW_ONEBOT_SELF_ID", &c.Channels.OneBot.SelfID)
	if v := os.Getenv("GROUPCLAW_ONEBOT_ENABLED"); v != "" {
		c.Channels.OneBot.Enabled = v == "true" || v == "1"
	}

	envStr("GROUPCLAW_STORAGE_DRIVER", &c.Storage.Driver)
	envStr("GROUPCLAW_STORAGE_PATH", &c.Storage.Path)
	envStr("GROUPCLAW_POSTGRES_DSN", &c.Storage.DSN)
	envStr("GROUPCLAW_MEDIA_DIR", &c.Media.Dir)
	envStr("GROUPCLAW_BRAVE_API_KEY", &c.Tools.Web.BraveAPIKey)

	envInt("GROUPCLAW_COMPRESSION_THRESHOLD", &c.Compression.Threshold)
	envInt("GROUPCLAW_COMPRESSION_MAX_CONTEXT", &c.Compression.MaxContext)
	envInt("GROUPCLAW_QUEUE_CAPACITY", &c.Scheduler.QueueCapacity)

	envStr("GROUPCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GROUPCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GROUPCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GROUPCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Comma-separated group allowlist
	if v := os.Getenv("GROUPCLAW_GROUPS_ALLOW"); v != "" {
		c.Groups.Allow = strings.Split(v, ",")
	}
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	p := c.Groups.Default.RandomReplyProb
	if p < 0 || p > 1 {
		return fmt.Errorf("groups.default.random_reply_prob must be within [0,1], got %v", p)
	}
	for id, o := range c.Groups.List {
		if o != nil && o.RandomReplyProb != nil && (*o.RandomReplyProb < 0 || *o.RandomReplyProb > 1) {
			return fmt.Errorf("groups.list[%s].random_reply_prob must be within [0,1]", id)
		}
	}
	if c.Compression.Threshold > 0 && c.Compression.KeepCount() >= c.Compression.Threshold {
		return fmt.Errorf("compression.max_context/3 (%d) must be below compression.threshold (%d)",
			c.Compression.KeepCount(), c.Compression.Threshold)
	}
	switch c.Storage.Driver {
	case "", "file", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
