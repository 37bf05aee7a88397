package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns the lifecycle of the registered channels.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewManager creates an empty manager. Channels are added with Register.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds a channel under its name, replacing any previous one.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every channel. A channel that fails to start is logged and
// reported; the others still start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	var errs []error
	for _, name := range m.names() {
		slog.Info("starting channel", "channel", name)
		if err := m.channels[name].Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, name := range m.names() {
		slog.Info("stopping channel", "channel", name)
		if err := m.channels[name].Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Status reports whether each channel is connected.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

// names must be called with mu held.
func (m *Manager) names() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
