package agent

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/tools"
)

// PromptInput holds the per-generation values of the system prompt.
type PromptInput struct {
	BotName      string
	BotID        string
	Persona      string
	CustomPrompt string // group-specific instructions
	Memory       string // group memory digest
}

// BuildSystemPrompt assembles the system prompt: base template, persona,
// group rules, then the memory digest. Empty parts are skipped.
func BuildSystemPrompt(p *config.Prompts, in PromptInput) string {
	if p == nil {
		p = config.DefaultPrompts()
	}
	name := in.BotName
	if name == "" {
		name = "assistant"
	}

	parts := []string{config.Render(p.System, map[string]string{
		"bot_name": name,
		"bot_id":   in.BotID,
	})}
	if s := strings.TrimSpace(in.Persona); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(in.CustomPrompt); s != "" {
		parts = append(parts, config.Render(p.GroupRules, map[string]string{"custom_prompt": s}))
	}
	if s := strings.TrimSpace(in.Memory); s != "" {
		parts = append(parts, config.Render(p.Memory, map[string]string{"memory": s}))
	}
	return strings.Join(parts, "\n\n")
}

// NewSubagentRunner returns the runner behind the delegate tool. Each task
// gets a fresh loop over registry minus the delegate tool, capped at
// maxRounds rounds.
func NewSubagentRunner(provider providers.Provider, registry *tools.Registry, prompts *config.Prompts, model string, maxRounds int) tools.TaskRunner {
	if prompts == nil {
		prompts = config.DefaultPrompts()
	}
	if maxRounds <= 0 {
		maxRounds = 5
	}
	return func(ctx context.Context, task string, tc tools.Context) (string, *providers.Usage, error) {
		loop := NewLoop(LoopConfig{
			ID:        "subagent",
			Provider:  provider,
			Tools:     registry.Clone(tools.DelegateToolName),
			Model:     model,
			MaxRounds: maxRounds,
		})
		res, err := loop.Run(ctx, RunRequest{
			GroupID:      tc.GroupID,
			UserID:       tc.UserID,
			Nickname:     tc.Nickname,
			SystemPrompt: config.Render(prompts.Subagent, map[string]string{"task": task}),
			History:      []providers.Message{{Role: "user", Content: task}},
		})
		if err != nil {
			return "", &res.Usage, err
		}
		if res.Cancelled {
			return "", &res.Usage, context.Canceled
		}
		return res.Text, &res.Usage, nil
	}
}
