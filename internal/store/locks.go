package store

import "sync"

// GroupLocks is a keyed mutex serializing history mutations per group:
// ingestion, transcript persistence and the compression commit.
type GroupLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewGroupLocks() *GroupLocks {
	return &GroupLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the group's lock and returns its release function.
func (l *GroupLocks) Lock(groupID string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[groupID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[groupID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
