package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
	"github.com/nextlevelbuilder/groupclaw/internal/store/file"
)

// summaryProvider returns a fixed summary, optionally blocking until released.
type summaryProvider struct {
	mu      sync.Mutex
	prompts []string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (p *summaryProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Messages[0].Content)
	p.mu.Unlock()
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	if p.err != nil {
		return nil, p.err
	}
	return &providers.ChatResponse{Content: "the summary"}, nil
}

func (p *summaryProvider) DefaultModel() string { return "summary-model" }
func (p *summaryProvider) Name() string         { return "summary" }

func (p *summaryProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type recordingMedia struct {
	mu  sync.Mutex
	ids []string
}

func (m *recordingMedia) DeleteMessages(_ string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ids...)
	return nil
}

// failingReplace fails the first n Replace calls.
type failingReplace struct {
	store.ConversationStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *failingReplace) Replace(ctx context.Context, groupID string, h []providers.Message, m store.GroupMemory) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.ConversationStore.Replace(ctx, groupID, h, m)
}

func seed(t *testing.T, s store.ConversationStore, n int, summary string) []providers.Message {
	t.Helper()
	ctx := context.Background()
	var msgs []providers.Message
	for i := 0; i < n; i++ {
		m := providers.Message{Role: "user", Content: fmt.Sprintf("msg %d", i), UserID: "u1", MessageID: fmt.Sprintf("m%d", i)}
		if i%2 == 1 {
			m = providers.Message{Role: "assistant", Content: fmt.Sprintf("reply %d", i)}
		}
		msgs = append(msgs, m)
	}
	if err := s.Replace(ctx, "g1", msgs, store.GroupMemory{Summary: summary}); err != nil {
		t.Fatal(err)
	}
	h, _ := s.History(ctx, "g1")
	return h
}

func newFileStore(t *testing.T) *file.Store {
	t.Helper()
	s, err := file.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newCompressor(s store.ConversationStore, p providers.Provider, media MediaCleaner) *Compressor {
	return NewCompressor(CompressorConfig{
		Store:    s,
		Provider: p,
		Settings: config.CompressionConfig{Threshold: 6, MaxContext: 9},
		Media:    media,
	})
}

func TestMaybeCompress_BelowThreshold(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, 5, "")
	p := &summaryProvider{}
	if newCompressor(s, p, nil).MaybeCompress(context.Background(), "g1") {
		t.Fatal("compressed below threshold")
	}
	if p.calls() != 0 {
		t.Error("provider called")
	}
}

func TestMaybeCompress_Success(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	orig := seed(t, s, 9, "older notes")
	p := &summaryProvider{}
	media := &recordingMedia{}

	if !newCompressor(s, p, media).MaybeCompress(ctx, "g1") {
		t.Fatal("expected compression")
	}

	h, _ := s.History(ctx, "g1")
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 9-6=3", len(h))
	}
	for i, m := range h {
		if m.Content != orig[6+i].Content {
			t.Errorf("kept[%d] = %q, want %q", i, m.Content, orig[6+i].Content)
		}
	}

	mem, _ := s.Memory(ctx, "g1")
	if mem.Summary != "older notes"+MemorySeparator+"the summary" {
		t.Errorf("memory = %q", mem.Summary)
	}
	if mem.LastCompressedAt.IsZero() {
		t.Error("LastCompressedAt not set")
	}

	if !strings.Contains(p.prompts[0], "[u1(u1)] msg 0") || !strings.Contains(p.prompts[0], "assistant: reply 5") {
		t.Errorf("prompt missing head entries:\n%s", p.prompts[0])
	}
	if strings.Contains(p.prompts[0], "msg 6") {
		t.Error("prompt includes kept entries")
	}
	if got := strings.Join(media.ids, ","); got != "m0,m2,m4" {
		t.Errorf("media deleted = %s", got)
	}
}

func assertUnchanged(t *testing.T, s store.ConversationStore, orig []providers.Message, summary string) {
	t.Helper()
	ctx := context.Background()
	h, _ := s.History(ctx, "g1")
	if len(h) != len(orig) {
		t.Fatalf("history len = %d, want %d", len(h), len(orig))
	}
	for i := range h {
		if h[i].Content != orig[i].Content {
			t.Errorf("history[%d] = %q, want %q", i, h[i].Content, orig[i].Content)
		}
	}
	mem, _ := s.Memory(ctx, "g1")
	if mem.Summary != summary {
		t.Errorf("memory = %q, want %q", mem.Summary, summary)
	}
}

func TestMaybeCompress_SummaryFailureLeavesState(t *testing.T) {
	s := newFileStore(t)
	orig := seed(t, s, 9, "keep me")
	p := &summaryProvider{err: errors.New("model down")}

	if newCompressor(s, p, nil).MaybeCompress(context.Background(), "g1") {
		t.Fatal("expected failure")
	}
	assertUnchanged(t, s, orig, "keep me")
}

func TestMaybeCompress_ReplaceFailureRollsBack(t *testing.T) {
	base := newFileStore(t)
	orig := seed(t, base, 9, "keep me")
	s := &failingReplace{ConversationStore: base, failures: 1}

	if newCompressor(s, &summaryProvider{}, nil).MaybeCompress(context.Background(), "g1") {
		t.Fatal("expected failure")
	}
	if s.calls != 2 {
		t.Errorf("Replace calls = %d, want 2 (commit + rollback)", s.calls)
	}
	assertUnchanged(t, base, orig, "keep me")
}

func TestMaybeCompress_KeepsAppendsDuringSummary(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	seed(t, s, 9, "")
	p := &summaryProvider{entered: make(chan struct{}), release: make(chan struct{})}
	c := newCompressor(s, p, nil)

	done := make(chan bool)
	go func() { done <- c.MaybeCompress(ctx, "g1") }()

	<-p.entered
	if err := s.Append(ctx, "g1", providers.Message{Role: "user", Content: "late"}); err != nil {
		t.Fatal(err)
	}
	if c.MaybeCompress(ctx, "g1") {
		t.Error("second concurrent compression should be skipped")
	}
	close(p.release)

	if !<-done {
		t.Fatal("expected compression")
	}
	h, _ := s.History(ctx, "g1")
	if len(h) != 4 || h[3].Content != "late" {
		t.Fatalf("history = %+v", h)
	}
}

func TestMaybeCompress_AbandonsWhenHeadChanged(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	seed(t, s, 9, "")
	p := &summaryProvider{entered: make(chan struct{}), release: make(chan struct{})}
	c := newCompressor(s, p, nil)

	done := make(chan bool)
	go func() { done <- c.MaybeCompress(ctx, "g1") }()

	<-p.entered
	if err := s.Reset(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	close(p.release)

	if <-done {
		t.Fatal("compression should be abandoned")
	}
	if n, _ := s.Count(ctx, "g1"); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	mem, _ := s.Memory(ctx, "g1")
	if mem.Summary != "" {
		t.Errorf("memory = %q, want empty", mem.Summary)
	}
}

func TestStartAsync(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, 9, "")
	c := newCompressor(s, &summaryProvider{}, nil)

	c.StartAsync("g1")
	waitDone := make(chan struct{})
	go func() { c.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("StartAsync did not finish")
	}
	if n, _ := s.Count(context.Background(), "g1"); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestSplitPoint(t *testing.T) {
	h := []providers.Message{u("a"), call("1"), result("1"), a("b"), u("c")}
	tests := []struct {
		keep, want int
	}{
		{keep: 3, want: 3}, // cut lands on a tool turn and moves past it
		{keep: 2, want: 3},
		{keep: 5, want: 0},
		{keep: 9, want: 0},
	}
	for _, tt := range tests {
		if got := splitPoint(h, tt.keep); got != tt.want {
			t.Errorf("splitPoint(keep=%d) = %d, want %d", tt.keep, got, tt.want)
		}
	}
}
