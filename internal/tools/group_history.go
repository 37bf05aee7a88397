package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

const (
	historyMaxCharsPerMessage = 1000
	historyDefaultLimit       = 20
	historyMaxLimit           = 100
)

// HistoryReader is the slice of the conversation store the history tool needs.
type HistoryReader interface {
	History(ctx context.Context, groupID string) ([]providers.Message, error)
}

// GroupHistoryTool lets the model search the current group's stored messages,
// including ones that scrolled out of the prompt window.
type GroupHistoryTool struct {
	store HistoryReader
}

func NewGroupHistoryTool(store HistoryReader) *GroupHistoryTool {
	return &GroupHistoryTool{store: store}
}

func (t *GroupHistoryTool) Name() string { return "group_history" }

func (t *GroupHistoryTool) Description() string {
	return "Search recent messages of the current group. Filter by keyword and/or user id."
}

func (t *GroupHistoryTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Case-insensitive keyword to match in message text",
			},
			"user_id": map[string]any{
				"type":        "string",
				"description": "Only messages from this user",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Max messages to return (default 20)",
				"minimum":     1,
				"maximum":     historyMaxLimit,
			},
		},
	}
}

type historyHit struct {
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Time      string `json:"time,omitempty"`
}

func (t *GroupHistoryTool) Execute(ctx context.Context, args map[string]any) *Result {
	groupID := ToolGroupIDFromCtx(ctx)
	if groupID == "" {
		return ErrorResult("no group in context")
	}

	query, _ := args["query"].(string)
	query = strings.ToLower(strings.TrimSpace(query))
	userID, _ := args["user_id"].(string)
	limit := historyDefaultLimit
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = min(int(v), historyMaxLimit)
	}

	history, err := t.store.History(ctx, groupID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("load history: %v", err)).WithError(err)
	}

	var hits []historyHit
	for i := len(history) - 1; i >= 0 && len(hits) < limit; i-- {
		m := history[i]
		if m.Role != "user" && (m.Role != "assistant" || m.HasToolCalls()) {
			continue
		}
		if userID != "" && m.UserID != userID {
			continue
		}
		if query != "" && !strings.Contains(strings.ToLower(m.Content), query) {
			continue
		}
		h := historyHit{
			MessageID: m.MessageID,
			UserID:    m.UserID,
			Nickname:  m.Nickname,
			Role:      m.Role,
			Content:   truncateRunes(m.Content, historyMaxCharsPerMessage),
		}
		if !m.Timestamp.IsZero() {
			h.Time = m.Timestamp.Format("2006-01-02 15:04:05")
		}
		hits = append(hits, h)
	}

	// oldest first
	for i, j := 0, len(hits)-1; i < j; i, j = i+1, j-1 {
		hits[i], hits[j] = hits[j], hits[i]
	}
	return DataResult(fmt.Sprintf("%d message(s)", len(hits)), hits)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "... [truncated]"
}
