package agent

import (
	"log/slog"
	"regexp"
	"strings"
)

// SilentToken is the reply the model gives when it has nothing to add.
// The turn is persisted but never sent to the group.
const SilentToken = "NO_REPLY"

type sanitizeStage struct {
	name string
	fn   func(string) string
}

// Stages run in order; each one sees the output of the previous.
var sanitizeStages = []sanitizeStage{
	{"garbled_tool_xml", stripGarbledToolXML},
	{"thinking_tags", stripThinkingTags},
	{"final_tags", stripFinalTags},
	{"echoed_system", stripEchoedSystemMessages},
	{"sender_prefix", stripSenderPrefix},
	{"duplicate_blocks", collapseDuplicateBlocks},
}

// SanitizeAssistantContent cleans model output before it is stored or sent.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return ""
	}
	original := content
	for _, st := range sanitizeStages {
		content = st.fn(content)
		if content == "" {
			slog.Debug("sanitize emptied content", "stage", st.name, "original_len", len(original))
			return ""
		}
	}
	content = strings.TrimSpace(content)
	if content != original {
		slog.Debug("sanitized assistant content", "original_len", len(original), "cleaned_len", len(content))
	}
	return content
}

// Tool-call markup some models emit as plain text instead of structured calls.
var garbledToolXMLIndicators = []string{
	"<function_call", "<tool_call", "<tool_use", "<invoke", "<parameter name=", "<minimax:tool_call",
}

// stripGarbledToolXML drops the whole response when it contains tool-call
// markup; whatever text surrounds it is not meant for the group.
func stripGarbledToolXML(content string) string {
	lower := strings.ToLower(content)
	for _, ind := range garbledToolXMLIndicators {
		if strings.Contains(lower, ind) {
			slog.Warn("dropped response with garbled tool markup", "len", len(content))
			return ""
		}
	}
	return content
}

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
	regexp.MustCompile(`(?is)<antthinking>.*?</antthinking>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") &&
		!strings.Contains(lower, "<antthinking") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

var finalTagPattern = regexp.MustCompile(`(?i)<\s*/?\s*final\s*>`)

// stripFinalTags removes <final> wrappers and keeps their content.
func stripFinalTags(content string) string {
	return finalTagPattern.ReplaceAllString(content, "")
}

// stripEchoedSystemMessages removes "[System Message]" blocks up to the next
// blank line.
func stripEchoedSystemMessages(content string) string {
	if !strings.Contains(content, "[System Message]") {
		return content
	}
	var kept []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[System Message]") {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// History renders members as "[nickname(id)] text"; models sometimes copy the
// format for their own reply.
var senderPrefixPattern = regexp.MustCompile(`^\s*\[[^\[\]\n]{1,64}\([^()\n]{1,32}\)\]\s*`)

func stripSenderPrefix(content string) string {
	return senderPrefixPattern.ReplaceAllString(content, "")
}

func collapseDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	out := blocks[:0:0]
	for _, b := range blocks {
		t := strings.TrimSpace(b)
		if t == "" {
			continue
		}
		if len(out) > 0 && t == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, b)
	}
	return strings.Join(out, "\n\n")
}

// IsSilentReply reports whether text is the silent token, alone or as a
// whole word at either end.
func IsSilentReply(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if t == SilentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(t, SilentToken); ok && !isWordChar(rest[0]) {
		return true
	}
	if before, ok := strings.CutSuffix(t, SilentToken); ok && !isWordChar(before[len(before)-1]) {
		return true
	}
	return false
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}
