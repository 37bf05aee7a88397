package agent

import (
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

// NormalizeHistory makes persisted history acceptable to chat-completion APIs:
//   - an assistant tool-call turn is kept only together with a result for every
//     call it made; otherwise it is dropped along with its partial results
//   - tool turns that do not answer the preceding tool-call turn are dropped
//   - adjacent user turns, and adjacent plain assistant turns, are merged
//
// The input slice is not modified.
func NormalizeHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	dropped := 0

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]

		switch {
		case m.HasToolCalls():
			want := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				want[tc.ID] = true
			}
			var results []providers.Message
			j := i + 1
			for ; j < len(msgs) && msgs[j].Role == "tool"; j++ {
				if want[msgs[j].ToolCallID] {
					delete(want, msgs[j].ToolCallID)
					results = append(results, msgs[j])
				} else {
					dropped++
				}
			}
			if len(want) == 0 {
				out = append(out, m)
				out = append(out, results...)
			} else {
				dropped += 1 + len(results)
			}
			i = j - 1

		case m.Role == "tool":
			dropped++

		case len(out) > 0 && mergeable(out[len(out)-1], m):
			out[len(out)-1] = merge(out[len(out)-1], m)

		default:
			out = append(out, m)
		}
	}

	if dropped > 0 {
		slog.Debug("history normalized", "in", len(msgs), "out", len(out), "dropped", dropped)
	}
	return out
}

func mergeable(prev, next providers.Message) bool {
	if prev.Role != next.Role || prev.HasToolCalls() || next.HasToolCalls() {
		return false
	}
	return next.Role == "user" || next.Role == "assistant"
}

func merge(prev, next providers.Message) providers.Message {
	switch {
	case prev.Content == "":
		prev.Content = next.Content
	case next.Content != "":
		prev.Content += "\n" + next.Content
	}
	if len(next.Images) > 0 {
		prev.Images = append(append([]providers.ImageContent(nil), prev.Images...), next.Images...)
	}
	prev.MessageID = next.MessageID
	prev.Timestamp = next.Timestamp
	return prev
}

// RenderHistory prefixes each user turn with its sender so the model can tell
// group members apart.
func RenderHistory(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == "user" && m.UserID != "" {
			m.Content = senderPrefix(m.Nickname, m.UserID) + m.Content
		}
		out[i] = m
	}
	return out
}

func senderPrefix(nickname, userID string) string {
	if nickname == "" {
		nickname = userID
	}
	return fmt.Sprintf("[%s(%s)] ", nickname, userID)
}

// attachImages adds images to the user turn that carries messageID.
// Falls back to the last user turn when the ID is not found.
func attachImages(msgs []providers.Message, messageID string, images []providers.ImageContent) []providers.Message {
	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		if messageID != "" && msgs[i].MessageID == messageID {
			idx = i
			break
		}
		if idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return msgs
	}
	msgs[idx].Images = append(append([]providers.ImageContent(nil), msgs[idx].Images...), images...)
	return msgs
}
