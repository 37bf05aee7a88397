// Package bootstrap seeds a fresh working directory with starter files.
package bootstrap

import (
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
)

//go:embed templates/config.json5 templates/env.example
var templateFS embed.FS

const (
	ConfigFile  = "config.json5"
	PromptsFile = "prompts.yaml"
	EnvFile     = ".env.example"
)

// EnsureFiles writes the starter config, prompt templates and env example into
// dir. Existing files are never overwritten. Returns the files created.
func EnsureFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	prompts, err := yaml.Marshal(config.DefaultPrompts())
	if err != nil {
		return nil, fmt.Errorf("render prompts: %w", err)
	}

	files := []struct {
		name    string
		content func() ([]byte, error)
	}{
		{ConfigFile, embedded("config.json5")},
		{PromptsFile, func() ([]byte, error) { return prompts, nil }},
		{EnvFile, embedded("env.example")},
	}

	var created []string
	for _, f := range files {
		ok, err := seed(filepath.Join(dir, f.name), f.content)
		if err != nil {
			slog.Warn("bootstrap: failed to seed file", "file", f.name, "error", err)
			continue
		}
		if ok {
			created = append(created, f.name)
		}
	}
	return created, nil
}

func embedded(name string) func() ([]byte, error) {
	return func() ([]byte, error) {
		return templateFS.ReadFile("templates/" + name)
	}
}

// seed creates path with content unless it already exists.
func seed(path string, content func() ([]byte, error)) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	data, err := content()
	if err != nil {
		os.Remove(path)
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}
