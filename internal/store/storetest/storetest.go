// Package storetest holds behaviour checks shared by every
// store.ConversationStore implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
)

type Store = store.ConversationStore

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AppendPreservesOrder", func(t *testing.T) { testAppendOrder(t, newStore(t)) })
	t.Run("ToolTurnsRoundTrip", func(t *testing.T) { testToolTurns(t, newStore(t)) })
	t.Run("ReplaceSwapsHistoryAndMemory", func(t *testing.T) { testReplace(t, newStore(t)) })
	t.Run("ResetAndGroups", func(t *testing.T) { testResetAndGroups(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
}

func user(id, text string) providers.Message {
	return providers.Message{
		Role: "user", Content: text, MessageID: id, UserID: "u" + id,
		Nickname: "n" + id, Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func testAppendOrder(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	if h, err := s.History(ctx, "g"); err != nil || len(h) != 0 {
		t.Fatalf("empty history = %v, %v", h, err)
	}
	if err := s.Append(ctx, "g", user("1", "a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "g", user("2", "b"), user("3", "c")); err != nil {
		t.Fatal(err)
	}
	_ = s.Append(ctx, "other", user("9", "z"))

	h, err := s.History(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 3 {
		t.Fatalf("len = %d, want 3", len(h))
	}
	for i, want := range []string{"1", "2", "3"} {
		if h[i].MessageID != want {
			t.Errorf("h[%d] = %s, want %s", i, h[i].MessageID, want)
		}
	}
	if h[0].UserID != "u1" || h[0].Nickname != "n1" || !h[0].Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("metadata lost: %+v", h[0])
	}
	if n, _ := s.Count(ctx, "g"); n != 3 {
		t.Errorf("Count = %d", n)
	}
}

func testToolTurns(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	msgs := []providers.Message{
		{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}}},
		{Role: "tool", ToolCallID: "c1", Content: "result"},
		{Role: "user", Content: "img", Images: []providers.ImageContent{{MimeType: "image/png", Data: "AAAA"}}},
	}
	if err := s.Append(ctx, "g", msgs...); err != nil {
		t.Fatal(err)
	}
	h, _ := s.History(ctx, "g")
	if len(h) != 3 {
		t.Fatalf("len = %d", len(h))
	}
	if len(h[0].ToolCalls) != 1 || h[0].ToolCalls[0].Arguments != `{"q":"x"}` {
		t.Errorf("tool call = %+v", h[0].ToolCalls)
	}
	if h[1].ToolCallID != "c1" {
		t.Errorf("tool call id = %q", h[1].ToolCallID)
	}
	if h[2].Images != nil {
		t.Error("images must not be persisted")
	}
}

func testReplace(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_ = s.Append(ctx, "g", user(fmt.Sprint(i), "m"))
	}
	h, _ := s.History(ctx, "g")
	mem := store.GroupMemory{Summary: "digest", LastCompressedAt: time.Unix(1700000100, 0).UTC()}
	if err := s.Replace(ctx, "g", h[3:], mem); err != nil {
		t.Fatal(err)
	}

	h, _ = s.History(ctx, "g")
	if len(h) != 2 || h[0].MessageID != "4" || h[1].MessageID != "5" {
		t.Errorf("history after replace = %+v", h)
	}
	got, err := s.Memory(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary != "digest" || !got.LastCompressedAt.Equal(mem.LastCompressedAt) {
		t.Errorf("memory = %+v", got)
	}

	// Appends keep working after a replace.
	_ = s.Append(ctx, "g", user("6", "m"))
	if n, _ := s.Count(ctx, "g"); n != 3 {
		t.Errorf("count after append = %d", n)
	}
}

func testResetAndGroups(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	_ = s.Append(ctx, "a", user("1", "x"))
	_ = s.Append(ctx, "b", user("2", "y"), user("3", "z"))
	_ = s.Replace(ctx, "b", []providers.Message{user("3", "z")}, store.GroupMemory{Summary: "s"})

	groups, err := s.Groups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 || groups[0].GroupID != "a" || groups[1].GroupID != "b" {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[1].Messages != 1 || !groups[1].HasMemory || groups[0].HasMemory {
		t.Errorf("group info = %+v", groups)
	}

	if err := s.Reset(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Count(ctx, "b"); n != 0 {
		t.Errorf("count after reset = %d", n)
	}
	if m, _ := s.Memory(ctx, "b"); m.Summary != "" {
		t.Errorf("memory after reset = %+v", m)
	}
	if err := s.Reset(ctx, "never"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("reset unknown group err = %v, want ErrNotFound", err)
	}
}

func testConcurrentAppends(t *testing.T, s Store) {
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Append(ctx, "g", user(fmt.Sprint(i), "m")); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if n, _ := s.Count(ctx, "g"); n != 20 {
		t.Errorf("count = %d, want 20", n)
	}
}
