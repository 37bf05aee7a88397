package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PolicySource looks up the reply policy of a group.
type PolicySource interface {
	GroupPolicy(groupID string) GroupPolicy
}

// Holder keeps the live config behind an atomic pointer so readers never block on reloads.
type Holder struct {
	path string
	cur  atomic.Pointer[Config]

	onReload func(*Config)
}

// NewHolder wraps an already loaded config.
func NewHolder(path string, cfg *Config) *Holder {
	h := &Holder{path: path}
	h.cur.Store(cfg)
	return h
}

// Get returns the current config snapshot. Callers must not mutate it.
func (h *Holder) Get() *Config { return h.cur.Load() }

// GroupPolicy implements PolicySource.
func (h *Holder) GroupPolicy(groupID string) GroupPolicy {
	cfg := h.cur.Load()
	return cfg.Groups.Resolve(groupID)
}

// OnReload registers a callback invoked after every successful reload.
func (h *Holder) OnReload(fn func(*Config)) { h.onReload = fn }

// Reload re-reads the file. Invalid files are rejected and the previous config stays live.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		return err
	}
	h.cur.Store(cfg)
	if h.onReload != nil {
		h.onReload(cfg)
	}
	return nil
}

// Watch reloads the config whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename are handled.
func (h *Holder) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	abs, err := filepath.Abs(h.path)
	if err != nil {
		w.Close()
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer w.Close()

		// Coalesce bursts of write events into one reload.
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if err := h.Reload(); err != nil {
						slog.Warn("config.reload_failed", "path", h.path, "error", err)
						return
					}
					slog.Info("config.reloaded", "path", h.path)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()
	return nil
}
