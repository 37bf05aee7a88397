package bootstrap

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
)

func TestEnsureFiles(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{ConfigFile, PromptsFile, EnvFile}; !slices.Equal(created, want) {
		t.Fatalf("created = %v, want %v", created, want)
	}

	// The seeded config and prompts load cleanly.
	cfg, err := config.Load(filepath.Join(dir, ConfigFile))
	if err != nil {
		t.Fatalf("seeded config does not load: %v", err)
	}
	if !cfg.Channels.OneBot.Enabled || cfg.Storage.Driver != "file" {
		t.Errorf("unexpected seeded config: %+v", cfg)
	}
	p, err := config.LoadPrompts(filepath.Join(dir, PromptsFile))
	if err != nil {
		t.Fatal(err)
	}
	if p.System != config.DefaultPrompts().System {
		t.Error("seeded prompts differ from defaults")
	}

	// A second run keeps user edits.
	edited := filepath.Join(dir, ConfigFile)
	if err := os.WriteFile(edited, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	created, err = EnsureFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v", created)
	}
	if b, _ := os.ReadFile(edited); string(b) != "{}" {
		t.Errorf("config overwritten: %q", b)
	}
}
