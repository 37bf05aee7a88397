package agent

import (
	"strings"
	"testing"
)

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"thinking", "<think>hmm</think>\nanswer", "answer"},
		{"only thinking", "<thinking>x</thinking>", ""},
		{"final tags", "<final>done</final>", "done"},
		{"garbled tool xml", "sure <tool_call>{\"name\":\"x\"}</tool_call>", ""},
		{"echoed system", "[System Message] stats\nmore\n\nreal reply", "real reply"},
		{"sender prefix", "[Bot(10001)] hi all", "hi all"},
		{"reply marker kept", "[reply:55] see above", "[reply:55] see above"},
		{"duplicate blocks", "same\n\nsame\n\nother", "same\n\nother"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := map[string]bool{
		"NO_REPLY":          true,
		"  NO_REPLY\n":      true,
		"NO_REPLY.":         true,
		"ok. NO_REPLY":      true,
		"NO_REPLYING":       false,
		"say NO_REPLY_LATER": false,
		"":                  false,
		"hello":             false,
	}
	for in, want := range tests {
		if got := IsSilentReply(in); got != want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	got := BuildSystemPrompt(nil, PromptInput{
		BotName:      "Claw",
		BotID:        "10001",
		CustomPrompt: "Talk like a pirate.",
		Memory:       "Alice likes cats.",
	})
	for _, want := range []string{"You are Claw", "10001", "Talk like a pirate.", "Alice likes cats."} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	bare := BuildSystemPrompt(nil, PromptInput{BotName: "Claw"})
	if strings.Contains(bare, "Group-specific") || strings.Contains(bare, "Summary of earlier") {
		t.Errorf("empty sections rendered:\n%s", bare)
	}
}
