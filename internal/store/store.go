// Package store persists per-group conversation history and memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

// ErrNotFound is returned when a group has no stored state.
var ErrNotFound = errors.New("store: not found")

// GroupMemory is the long-term digest produced by history compression.
type GroupMemory struct {
	Summary          string    `json:"summary,omitempty"`
	LastCompressedAt time.Time `json:"last_compressed_at,omitzero"`
}

// GroupInfo is lightweight group metadata for listing.
type GroupInfo struct {
	GroupID   string    `json:"group_id"`
	Messages  int       `json:"messages"`
	HasMemory bool      `json:"has_memory"`
	Updated   time.Time `json:"updated,omitzero"`
}

// ConversationStore is the durable per-group chat history plus memory.
// History is append-only except through Replace and Reset. Implementations
// must be safe for concurrent use; callers that need read-modify-write
// atomicity across calls hold the group's lock from GroupLocks.
type ConversationStore interface {
	Append(ctx context.Context, groupID string, msgs ...providers.Message) error
	History(ctx context.Context, groupID string) ([]providers.Message, error)
	Count(ctx context.Context, groupID string) (int, error)
	Memory(ctx context.Context, groupID string) (GroupMemory, error)
	// Replace swaps history and memory in one step: either both land or neither.
	Replace(ctx context.Context, groupID string, history []providers.Message, mem GroupMemory) error
	// Reset forgets the group's history and memory. ErrNotFound if it has none.
	Reset(ctx context.Context, groupID string) error
	Groups(ctx context.Context) ([]GroupInfo, error)
	Close() error
}

// ForStorage returns msgs without transient vision payloads.
func ForStorage(msgs []providers.Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		m.Images = nil
		out[i] = m
	}
	return out
}
