package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store/storetest"
)

func TestFileStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		s, err := New(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestFileStore_Reload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "group/1", providers.Message{Role: "user", Content: "hi", MessageID: "1"}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "group%2F1.json")); err != nil {
		t.Errorf("expected sanitized file name: %v", err)
	}

	s2, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := s2.History(ctx, "group/1")
	if len(h) != 1 || h[0].Content != "hi" {
		t.Errorf("reloaded history = %+v", h)
	}
}

func TestFileStore_FailedWriteKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Append(ctx, "g", providers.Message{Role: "user", Content: "one"})

	// Point the store at a directory that no longer exists.
	s.dir = filepath.Join(dir, "gone")
	if err := s.Append(ctx, "g", providers.Message{Role: "user", Content: "two"}); err == nil {
		t.Fatal("expected write error")
	}
	if n, _ := s.Count(ctx, "g"); n != 1 {
		t.Errorf("count = %d, failed write must not change state", n)
	}
}
