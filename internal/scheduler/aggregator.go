package scheduler

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/groupclaw/internal/bus"
)

// WindowHandler receives the event that opened an aggregation window and the
// events observed while it was open.
type WindowHandler func(anchor bus.TriggerEvent, observed []bus.TriggerEvent)

type window struct {
	anchor   bus.TriggerEvent
	observed []bus.TriggerEvent // guarded by Aggregator.mu
	timer    *time.Timer

	// claimed is set by whichever of expiry or Cancel gets there first.
	claimed atomic.Bool
}

// Aggregator debounces reply triggers per group. The first trigger opens a
// fixed-length window; later events are recorded without extending it, and the
// handler runs once when the window closes.
type Aggregator struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewAggregator() *Aggregator {
	return &Aggregator{windows: make(map[string]*window)}
}

// Schedule opens a window anchored on ev and returns true, or records ev in the
// group's open window and returns false. The timer is never reset.
func (a *Aggregator) Schedule(ev bus.TriggerEvent, cooldown time.Duration, handler WindowHandler) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if w, ok := a.windows[ev.GroupID]; ok {
		w.observed = append(w.observed, ev)
		return false
	}

	w := &window{anchor: ev}
	a.windows[ev.GroupID] = w
	w.timer = time.AfterFunc(cooldown, func() { a.fire(ev.GroupID, w, handler) })

	slog.Debug("aggregation window opened", "group", ev.GroupID, "user", ev.UserID, "cooldown", cooldown)
	return true
}

// Observe records a non-triggering event in the group's open window, if any.
func (a *Aggregator) Observe(ev bus.TriggerEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[ev.GroupID]
	if !ok {
		return false
	}
	w.observed = append(w.observed, ev)
	return true
}

func (a *Aggregator) fire(groupID string, w *window, handler WindowHandler) {
	if !w.claimed.CompareAndSwap(false, true) {
		return
	}

	// Remove before invoking so triggers arriving during the handler open a new window.
	a.mu.Lock()
	if cur, ok := a.windows[groupID]; ok && cur == w {
		delete(a.windows, groupID)
	}
	observed := append([]bus.TriggerEvent(nil), w.observed...)
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("aggregation handler panicked",
				"group", groupID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	slog.Debug("aggregation window closed", "group", groupID, "observed", len(observed))
	handler(w.anchor, observed)
}

// IsPending reports whether the group has an open window.
func (a *Aggregator) IsPending(groupID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.windows[groupID]
	return ok
}

// Cancel drops the group's window without invoking its handler.
// Returns false if there was no window or it is already firing.
func (a *Aggregator) Cancel(groupID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[groupID]
	if !ok {
		return false
	}
	if !w.claimed.CompareAndSwap(false, true) {
		return false
	}
	w.timer.Stop()
	delete(a.windows, groupID)
	return true
}

// CancelAll drops every open window. Used when the upstream connection drops.
func (a *Aggregator) CancelAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for id, w := range a.windows {
		if w.claimed.CompareAndSwap(false, true) {
			w.timer.Stop()
			n++
		}
		delete(a.windows, id)
	}
	return n
}
