// Package file implements store.ConversationStore as one JSON document per
// group on local disk.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
)

// group is the on-disk document of one group.
type group struct {
	GroupID  string              `json:"group_id"`
	Messages []providers.Message `json:"messages"`
	Memory   store.GroupMemory   `json:"memory"`
	Created  time.Time           `json:"created"`
	Updated  time.Time           `json:"updated"`
}

func (g *group) clone() *group {
	c := *g
	c.Messages = append([]providers.Message(nil), g.Messages...)
	return &c
}

// Store keeps every group in memory and writes the whole document through on
// each mutation. A failed write reverts the in-memory state.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*group
	dir    string
}

// New loads existing group files from dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{groups: make(map[string]*group), dir: dir}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Append(_ context.Context, groupID string, msgs ...providers.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.mutate(groupID, func(g *group) error {
		g.Messages = append(g.Messages, store.ForStorage(msgs)...)
		return nil
	})
}

func (s *Store) History(_ context.Context, groupID string) ([]providers.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return nil, nil
	}
	return append([]providers.Message(nil), g.Messages...), nil
}

func (s *Store) Count(_ context.Context, groupID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[groupID]; ok {
		return len(g.Messages), nil
	}
	return 0, nil
}

func (s *Store) Memory(_ context.Context, groupID string) (store.GroupMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if g, ok := s.groups[groupID]; ok {
		return g.Memory, nil
	}
	return store.GroupMemory{}, nil
}

func (s *Store) Replace(_ context.Context, groupID string, history []providers.Message, mem store.GroupMemory) error {
	return s.mutate(groupID, func(g *group) error {
		g.Messages = store.ForStorage(history)
		g.Memory = mem
		return nil
	})
}

func (s *Store) Reset(_ context.Context, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[groupID]; !ok {
		return store.ErrNotFound
	}
	if err := os.Remove(s.path(groupID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove group file: %w", err)
	}
	delete(s.groups, groupID)
	return nil
}

func (s *Store) Groups(_ context.Context) ([]store.GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.GroupInfo, 0, len(s.groups))
	for id, g := range s.groups {
		out = append(out, store.GroupInfo{
			GroupID:   id,
			Messages:  len(g.Messages),
			HasMemory: g.Memory.Summary != "",
			Updated:   g.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (s *Store) Close() error { return nil }

// mutate applies fn to a copy of the group and commits it only when the
// file write succeeds.
func (s *Store) mutate(groupID string, fn func(g *group) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var next *group
	if cur, ok := s.groups[groupID]; ok {
		next = cur.clone()
	} else {
		next = &group{GroupID: groupID, Messages: []providers.Message{}, Created: now}
	}
	if err := fn(next); err != nil {
		return err
	}
	next.Updated = now

	if err := s.save(next); err != nil {
		return fmt.Errorf("save group %s: %w", groupID, err)
	}
	s.groups[groupID] = next
	return nil
}

// save writes the document atomically: temp file, fsync, rename.
func (s *Store) save(g *group) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "group-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path(g.GroupID)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *Store) loadAll() error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store dir: %w", err)
	}

	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			slog.Warn("store.file.read_failed", "file", f.Name(), "error", err)
			continue
		}
		var g group
		if err := json.Unmarshal(data, &g); err != nil || g.GroupID == "" {
			slog.Warn("store.file.corrupt", "file", f.Name(), "error", err)
			continue
		}
		if g.Messages == nil {
			g.Messages = []providers.Message{}
		}
		s.groups[g.GroupID] = &g
	}
	return nil
}

func (s *Store) path(groupID string) string {
	return filepath.Join(s.dir, sanitizeFilename(groupID)+".json")
}

// sanitizeFilename keeps group IDs that are already safe (numeric platform
// IDs) and maps anything else to a filesystem-safe name.
func sanitizeFilename(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "%%%02X", r)
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}
