// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherOptions configures the reload watcher.
type WatcherOptions struct {
	// DebounceWindow is how long to wait for further events before
	// reloading. Editors and atomic-save tools emit bursts of events
	// for a single logical save. Default: 250ms.
	DebounceWindow time.Duration
}

// DefaultWatcherOptions returns the production defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{DebounceWindow: 250 * time.Millisecond}
}

// Watcher reloads a Repository when its backing file changes on disk.
//
// # Description
//
// Watches the file's parent directory rather than the file itself:
// atomic saves (write temp file, rename over target) replace the inode,
// and a watch on the old inode would go silent after the first save.
// Events for the target file are debounced, then Repository.Reload runs
// once per burst. Reload failures keep the previous snapshot; the
// watcher keeps watching.
//
// # Thread Safety
//
// Safe for concurrent use. The reload runs on a single goroutine.
type Watcher struct {
	repo     *Repository
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	target string
	done   chan struct{}

	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// NewWatcher creates a watcher for the repository's backing file.
// Call Start to begin watching.
func NewWatcher(repo *Repository, opts *WatcherOptions, logger *slog.Logger) (*Watcher, error) {
	if opts == nil {
		defaults := DefaultWatcherOptions()
		opts = &defaults
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	target, err := filepath.Abs(repo.path)
	if err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		repo:     repo,
		watcher:  fw,
		debounce: opts.DebounceWindow,
		logger:   logger,
		target:   target,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The goroutine exits when Stop is called or
// the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.target)); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			if err := w.repo.Reload(); err != nil {
				// Reload already logged the failure; keep watching so
				// the next save can recover.
				continue
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return abs == w.target
}
