package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
)

// MemorySeparator joins successive summaries in group memory.
const MemorySeparator = "\n\n---\n\n"

const defaultSummaryTimeout = 120 * time.Second

var errHeadChanged = errors.New("history head changed during compression")

// MediaCleaner deletes cached media of messages dropped from history.
type MediaCleaner interface {
	DeleteMessages(groupID string, messageIDs []string) error
}

// CompressorConfig configures a Compressor.
type CompressorConfig struct {
	Store    store.ConversationStore
	Locks    *store.GroupLocks
	Provider providers.Provider
	Model    string // summary model; empty uses the provider default
	Prompts  *config.Prompts
	Settings config.CompressionConfig
	Media    MediaCleaner // optional
}

// Compressor folds the older part of a group's history into its memory.
// At most one compression runs per group; others return immediately.
type Compressor struct {
	cfg      CompressorConfig
	inflight sync.Map // groupID -> *sync.Mutex
	wg       sync.WaitGroup
}

func NewCompressor(cfg CompressorConfig) *Compressor {
	if cfg.Prompts == nil {
		cfg.Prompts = config.DefaultPrompts()
	}
	if cfg.Locks == nil {
		cfg.Locks = store.NewGroupLocks()
	}
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}
	return &Compressor{cfg: cfg}
}

// StartAsync runs MaybeCompress in the background.
func (c *Compressor) StartAsync(groupID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("compression panicked", "group", groupID, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		c.MaybeCompress(context.Background(), groupID)
	}()
}

// Wait blocks until background compressions have finished.
func (c *Compressor) Wait() { c.wg.Wait() }

// MaybeCompress compresses the group's history when it has reached the
// threshold. It reports whether history was compressed. On any failure the
// stored state is left as it was before the call.
func (c *Compressor) MaybeCompress(ctx context.Context, groupID string) bool {
	threshold := c.cfg.Settings.Threshold
	if threshold <= 0 {
		return false
	}
	n, err := c.cfg.Store.Count(ctx, groupID)
	if err != nil {
		slog.Warn("compression: count failed", "group", groupID, "error", err)
		return false
	}
	if n < threshold {
		return false
	}

	muI, _ := c.inflight.LoadOrStore(groupID, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Debug("compression already in progress, skipping", "group", groupID)
		return false
	}
	defer mu.Unlock()

	history, mem, err := c.snapshot(ctx, groupID)
	if err != nil {
		slog.Warn("compression: snapshot failed", "group", groupID, "error", err)
		return false
	}

	cut := splitPoint(history, c.cfg.Settings.KeepCount())
	if cut == 0 {
		return false
	}
	head := history[:cut]

	start := time.Now()
	summary, err := c.summarize(ctx, head)
	if err != nil {
		slog.Warn("compression: summarize failed, history unchanged", "group", groupID, "error", err)
		return false
	}

	newMem := store.GroupMemory{Summary: summary, LastCompressedAt: time.Now().UTC()}
	if mem.Summary != "" {
		newMem.Summary = mem.Summary + MemorySeparator + summary
	}

	if err := c.commit(ctx, groupID, head, mem, newMem); err != nil {
		slog.Warn("compression: commit failed, history unchanged", "group", groupID, "error", err)
		return false
	}

	slog.Info("compression done", "group", groupID,
		"compressed", len(head), "kept", len(history)-len(head),
		"head_tokens", EstimateTokens(head), "duration", time.Since(start))

	c.deleteMedia(groupID, head)
	return true
}

func (c *Compressor) snapshot(ctx context.Context, groupID string) ([]providers.Message, store.GroupMemory, error) {
	unlock := c.cfg.Locks.Lock(groupID)
	defer unlock()

	history, err := c.cfg.Store.History(ctx, groupID)
	if err != nil {
		return nil, store.GroupMemory{}, fmt.Errorf("read history: %w", err)
	}
	mem, err := c.cfg.Store.Memory(ctx, groupID)
	if err != nil {
		return nil, store.GroupMemory{}, fmt.Errorf("read memory: %w", err)
	}
	return history, mem, nil
}

// commit swaps in the truncated history and the new memory. Entries appended
// since the snapshot are kept; if the summarized head is no longer the
// prefix of history nothing is written.
func (c *Compressor) commit(ctx context.Context, groupID string, head []providers.Message, oldMem, newMem store.GroupMemory) error {
	unlock := c.cfg.Locks.Lock(groupID)
	defer unlock()

	current, err := c.cfg.Store.History(ctx, groupID)
	if err != nil {
		return fmt.Errorf("re-read history: %w", err)
	}
	if !hasPrefix(current, head) {
		return errHeadChanged
	}

	rest := append([]providers.Message(nil), current[len(head):]...)
	if err := c.cfg.Store.Replace(ctx, groupID, rest, newMem); err != nil {
		if rbErr := c.cfg.Store.Replace(ctx, groupID, current, oldMem); rbErr != nil {
			slog.Error("compression: rollback failed", "group", groupID, "error", rbErr)
		}
		return fmt.Errorf("replace: %w", err)
	}
	return nil
}

func (c *Compressor) summarize(ctx context.Context, head []providers.Message) (string, error) {
	timeout := defaultSummaryTimeout
	if c.cfg.Settings.TimeoutSec > 0 {
		timeout = time.Duration(c.cfg.Settings.TimeoutSec) * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt := config.Render(c.cfg.Prompts.Summarize, map[string]string{
		"conversation": transcriptText(head),
	})
	resp, err := c.cfg.Provider.Chat(sctx, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Model:    c.cfg.Model,
	})
	if err != nil {
		return "", err
	}
	summary := SanitizeAssistantContent(resp.Content)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

func (c *Compressor) deleteMedia(groupID string, head []providers.Message) {
	if c.cfg.Media == nil {
		return
	}
	var ids []string
	for _, m := range head {
		if m.Role == "user" && m.MessageID != "" {
			ids = append(ids, m.MessageID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := c.cfg.Media.DeleteMessages(groupID, ids); err != nil {
		slog.Warn("compression: media cleanup failed", "group", groupID, "messages", len(ids), "error", err)
	}
}

// splitPoint returns how many leading entries to summarize so that keep
// entries remain. Tool results are never separated from their call turn.
func splitPoint(history []providers.Message, keep int) int {
	cut := len(history) - keep
	if cut <= 0 {
		return 0
	}
	for cut < len(history) && history[cut].Role == "tool" {
		cut++
	}
	if cut >= len(history) {
		return 0
	}
	return cut
}

// transcriptText renders entries one per line for the summary prompt.
// Tool traffic is summarized by name only.
func transcriptText(msgs []providers.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch {
		case m.Role == "user":
			sb.WriteString(senderPrefix(m.Nickname, m.UserID))
			sb.WriteString(m.Content)
		case m.HasToolCalls():
			names := make([]string, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				names[i] = tc.Name
			}
			sb.WriteString("assistant used tools: " + strings.Join(names, ", "))
		case m.Role == "assistant":
			sb.WriteString("assistant: " + m.Content)
		default:
			continue
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func hasPrefix(history, head []providers.Message) bool {
	if len(history) < len(head) {
		return false
	}
	for i := range head {
		if !sameEntry(history[i], head[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b providers.Message) bool {
	return a.Role == b.Role &&
		a.Content == b.Content &&
		a.MessageID == b.MessageID &&
		a.ToolCallID == b.ToolCallID &&
		len(a.ToolCalls) == len(b.ToolCalls) &&
		a.Timestamp.Equal(b.Timestamp)
}
