package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the prompt templates used by the agent.
// Placeholders use the {{name}} form and are substituted with strings.ReplaceAll.
type Prompts struct {
	// System is the base system prompt. Placeholders: {{bot_name}}, {{bot_id}}.
	System string `yaml:"system"`
	// GroupRules is appended when a group has a custom prompt. Placeholder: {{custom_prompt}}.
	GroupRules string `yaml:"group_rules"`
	// Memory wraps the group's running summary. Placeholder: {{memory}}.
	Memory string `yaml:"memory"`
	// Summarize is the summarization instruction. Placeholder: {{conversation}}.
	Summarize string `yaml:"summarize"`
	// Subagent is the system prompt of a delegated sub-task. Placeholder: {{task}}.
	Subagent string `yaml:"subagent"`
}

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() *Prompts {
	return &Prompts{
		System: `You are {{bot_name}}, a member of a group chat (your user id is {{bot_id}}).
Messages from other members are prefixed with "[nickname(user id)]".
Reply naturally and briefly in the language of the conversation. Do not prefix your reply with your own name.
Use tools when they help; you may say a short sentence before calling a tool.
If nothing you could say adds value, reply with exactly NO_REPLY.`,
		GroupRules: "Group-specific instructions:\n{{custom_prompt}}",
		Memory:     "Summary of earlier conversation in this group:\n{{memory}}",
		Summarize: `Summarize the following group chat excerpt for your own future reference.
Keep who said what when it matters, open questions, decisions, facts about members and promises you made.
Write plain prose, no more than 300 words.

{{conversation}}`,
		Subagent: `You are a focused helper working on one sub-task for a group chat assistant.
Complete the task using the available tools and answer with the result only.

Task: {{task}}`,
	}
}

// LoadPrompts reads prompt overrides from a YAML file. An empty path returns the defaults;
// empty fields in the file fall back to the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}

	var loaded Prompts
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	loaded.fillDefaults(p)
	slog.Info("prompts loaded", "path", path)
	return &loaded, nil
}

func (p *Prompts) fillDefaults(d *Prompts) {
	if p.System == "" {
		p.System = d.System
	}
	if p.GroupRules == "" {
		p.GroupRules = d.GroupRules
	}
	if p.Memory == "" {
		p.Memory = d.Memory
	}
	if p.Summarize == "" {
		p.Summarize = d.Summarize
	}
	if p.Subagent == "" {
		p.Subagent = d.Subagent
	}
}

// Render substitutes {{key}} placeholders.
func Render(tmpl string, vars map[string]string) string {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{{"+k+"}}", v)
	}
	return tmpl
}
