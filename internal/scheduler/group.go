// Package scheduler serializes reply generation per group.
//
// Scheduler guarantees at most one generation per group and parks further
// triggers in a bounded FIFO. Aggregator batches rapid triggers behind a
// fixed cooldown window.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
)

// DefaultQueueCapacity bounds each group's pending-trigger queue.
const DefaultQueueCapacity = 10

// ErrGroupBusy is returned by Begin while another generation holds the group.
var ErrGroupBusy = errors.New("scheduler: group is already processing")

// Handle is the cancellation handle of one generation.
type Handle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func newHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the generation is preempted or the parent is done.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is a shorthand for Context().Done().
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cancel signals the generation to stop at its next suspend point.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
	h.cancel()
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load() || h.ctx.Err() != nil
}

// release frees the context resources once the generation has ended.
func (h *Handle) release() { h.cancel() }

type groupState struct {
	mu         sync.Mutex
	processing bool
	user       string
	handle     *Handle
	queue      []bus.TriggerEvent
}

// Scheduler tracks per-group generation state. Group entries are created on
// first use and live for the process lifetime.
type Scheduler struct {
	mu       sync.Mutex
	groups   map[string]*groupState
	capacity int
}

// New creates a scheduler; capacity <= 0 uses DefaultQueueCapacity.
func New(capacity int) *Scheduler {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Scheduler{groups: make(map[string]*groupState), capacity: capacity}
}

func (s *Scheduler) state(groupID string) *groupState {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		g = &groupState{}
		s.groups[groupID] = g
	}
	return g
}

// IsProcessing reports whether a generation is active for the group.
func (s *Scheduler) IsProcessing(groupID string) bool {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.processing
}

// CurrentUser returns the user whose trigger is being answered, or "".
func (s *Scheduler) CurrentUser(groupID string) string {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

// Begin marks the group busy for userID and returns a fresh handle derived
// from parent. Processing flag, user and handle are always set together.
func (s *Scheduler) Begin(parent context.Context, groupID, userID string) (*Handle, error) {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.processing {
		return nil, ErrGroupBusy
	}
	h := newHandle(parent)
	g.processing = true
	g.user = userID
	g.handle = h
	return h, nil
}

// Enqueue appends ev to the group's FIFO. When the queue is full the oldest
// entry is dropped first; the return value reports whether that happened.
func (s *Scheduler) Enqueue(groupID string, ev bus.TriggerEvent) bool {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := false
	if len(g.queue) >= s.capacity {
		dropped := g.queue[0]
		g.queue = append(g.queue[:0], g.queue[1:]...)
		evicted = true
		slog.Warn("scheduler: queue full, dropping oldest trigger",
			"group", groupID,
			"dropped_user", dropped.UserID,
			"dropped_message", dropped.MessageID,
			"capacity", s.capacity,
		)
	}
	g.queue = append(g.queue, ev)
	return evicted
}

// Preempt cancels the active generation, if any. The queue is untouched.
func (s *Scheduler) Preempt(groupID string) bool {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.handle == nil {
		return false
	}
	g.handle.Cancel()
	return true
}

// End clears the active generation and pops the next queued trigger.
// Callers must start the returned event's generation asynchronously.
func (s *Scheduler) End(groupID string) (bus.TriggerEvent, bool) {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.handle != nil {
		g.handle.release()
	}
	g.processing = false
	g.user = ""
	g.handle = nil

	if len(g.queue) == 0 {
		return bus.TriggerEvent{}, false
	}
	next := g.queue[0]
	g.queue[0] = bus.TriggerEvent{}
	g.queue = g.queue[1:]
	return next, true
}

// QueueLen returns the number of parked triggers for the group.
func (s *Scheduler) QueueLen(groupID string) int {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Queued returns a copy of the group's queue in FIFO order.
func (s *Scheduler) Queued(groupID string) []bus.TriggerEvent {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bus.TriggerEvent(nil), g.queue...)
}

// Clear preempts the active generation and drops the queue.
func (s *Scheduler) Clear(groupID string) {
	g := s.state(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.handle != nil {
		g.handle.Cancel()
	}
	g.queue = nil
}

// ClearAll clears every known group.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Clear(id)
	}
}
