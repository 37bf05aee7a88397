package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.QueueCapacity != 10 {
		t.Errorf("QueueCapacity = %d, want 10", cfg.Scheduler.QueueCapacity)
	}
	if !cfg.Groups.Default.Enabled || !cfg.Groups.Default.MustReplyOnAt {
		t.Errorf("default group policy = %+v, want enabled with reply-on-at", cfg.Groups.Default)
	}
}

func TestLoad_JSON5WithOverrides(t *testing.T) {
	path := writeFile(t, "config.json5", `{
  // comments and trailing commas are allowed
  bot: { name: "mimi" },
  groups: {
    default: { enabled: true, must_reply_on_at: true, random_reply_prob: 0.1, cooldown_ms: 3000 },
    list: {
      "1001": { enabled: false },
      "1002": { cooldown_ms: 0, custom_prompt: "Be terse." },
    },
  },
}`)
	t.Setenv("GROUPCLAW_MODEL", "test-model")
	t.Setenv("GROUPCLAW_POSTGRES_DSN", "postgres://x")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.Name != "mimi" {
		t.Errorf("Bot.Name = %q", cfg.Bot.Name)
	}
	if cfg.Provider.Model != "test-model" {
		t.Errorf("env override not applied: model = %q", cfg.Provider.Model)
	}
	if cfg.Storage.DSN != "postgres://x" {
		t.Errorf("DSN = %q", cfg.Storage.DSN)
	}

	tests := []struct {
		group        string
		wantEnabled  bool
		wantCooldown int
		wantPrompt   string
	}{
		{"1001", false, 3000, ""},
		{"1002", true, 0, "Be terse."},
		{"9999", true, 3000, ""},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			p := cfg.Groups.Resolve(tt.group)
			if p.Enabled != tt.wantEnabled || p.CooldownMs != tt.wantCooldown || p.CustomPrompt != tt.wantPrompt {
				t.Errorf("Resolve(%s) = %+v", tt.group, p)
			}
			if p.RandomReplyProb != 0.1 {
				t.Errorf("RandomReplyProb = %v, want inherited 0.1", p.RandomReplyProb)
			}
		})
	}
}

func TestResolve_AllowList(t *testing.T) {
	g := GroupsConfig{
		Default: GroupPolicy{Enabled: true},
		Allow:   FlexibleStringSlice{"1"},
	}
	if !g.Resolve("1").Enabled {
		t.Error("allowed group should be enabled")
	}
	if g.Resolve("2").Enabled {
		t.Error("group outside allow list should be disabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults ok", func(c *Config) {}, ""},
		{"prob above one", func(c *Config) { c.Groups.Default.RandomReplyProb = 1.5 }, "random_reply_prob"},
		{"keep not below threshold", func(c *Config) { c.Compression.Threshold = 10; c.Compression.MaxContext = 60 }, "max_context"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestKeepCount(t *testing.T) {
	tests := []struct {
		max, want int
	}{
		{60, 20},
		{2, 1},
		{0, 1},
	}
	for _, tt := range tests {
		if got := (CompressionConfig{MaxContext: tt.max}).KeepCount(); got != tt.want {
			t.Errorf("KeepCount(%d) = %d, want %d", tt.max, got, tt.want)
		}
	}
}

func TestLoadPrompts_FillsDefaults(t *testing.T) {
	path := writeFile(t, "prompts.yaml", "system: |\n  You are {{bot_name}}.\n")
	p, err := LoadPrompts(path)
	if err != nil {
		t.Fatalf("LoadPrompts: %v", err)
	}
	if got := Render(p.System, map[string]string{"bot_name": "mimi"}); strings.TrimSpace(got) != "You are mimi." {
		t.Errorf("System = %q", got)
	}
	if p.Summarize != DefaultPrompts().Summarize {
		t.Error("Summarize should fall back to the default template")
	}
}

func TestHolder_ReloadKeepsPreviousOnError(t *testing.T) {
	path := writeFile(t, "config.json5", `{ bot: { name: "a" } }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHolder(path, cfg)

	if err := os.WriteFile(path, []byte(`{ bot: { name: "b" } }`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if h.Get().Bot.Name != "b" {
		t.Errorf("name after reload = %q", h.Get().Bot.Name)
	}

	if err := os.WriteFile(path, []byte(`{ groups: { default: { random_reply_prob: 7 } } }`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := h.Reload(); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if h.Get().Bot.Name != "b" {
		t.Error("previous config should stay live after a failed reload")
	}
}
