// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathfinder finds and memoizes the best ordered sequence of
// conversion steps between two identifier namespaces.
//
// Candidate paths come from the configuration repository; the finder owns
// ordering, reverse-path synthesis, and an in-process cache keyed by
// (source, target, entity type). Cache entries carry a TTL and the whole
// cache is invalidated on repository reload, so no entry outlives the data
// it was derived from.
package pathfinder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// Repository supplies registered mapping paths. External collaborator,
// read-only from the finder's point of view.
type Repository interface {
	// FindPaths returns every registered path from one namespace to
	// another within an entity type. An empty result is not an error.
	FindPaths(ctx context.Context, from, to string, entityType datatypes.EntityType) ([]datatypes.MappingPath, error)

	// HasNamespace reports whether the namespace is known for the
	// entity type.
	HasNamespace(entityType datatypes.EntityType, namespace string) bool
}

// Options configures Finder behavior.
type Options struct {
	// TTL bounds the lifetime of memoized path lists. Default 10m.
	TTL time.Duration

	// ReversePenalty is added to the priority of synthesized reversed
	// paths so registered forward paths always outrank them. Default 100.
	ReversePenalty int

	// ErrorCacheTTL bounds how long a repository lookup failure is
	// remembered before a retry is allowed. Default 30s.
	ErrorCacheTTL time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TTL:            10 * time.Minute,
		ReversePenalty: 100,
		ErrorCacheTTL:  30 * time.Second,
	}
}

// Stats reports finder cache counters.
type Stats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
	EntryCount    int
}

type cacheKey struct {
	from       string
	to         string
	entityType datatypes.EntityType
}

type cacheEntry struct {
	paths    []datatypes.MappingPath
	storedAt time.Time
}

type failedLookup struct {
	err     error
	retryAt time.Time
}

// Finder resolves and memoizes mapping paths.
//
// Thread Safety: safe for concurrent use; the path cache is shared across
// all concurrently running strategies.
type Finder struct {
	repo   Repository
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[cacheKey]*cacheEntry
	failed  map[cacheKey]*failedLookup
	flight  singleflight.Group

	hits          int64
	misses        int64
	invalidations int64
	generation    int64
}

// New creates a Finder over the given repository.
func New(repo Repository, opts Options, logger *slog.Logger) *Finder {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.TTL == 0 {
		opts.TTL = def.TTL
	}
	if opts.ReversePenalty == 0 {
		opts.ReversePenalty = def.ReversePenalty
	}
	if opts.ErrorCacheTTL == 0 {
		opts.ErrorCacheTTL = def.ErrorCacheTTL
	}
	return &Finder{
		repo:    repo,
		opts:    opts,
		logger:  logger,
		entries: make(map[cacheKey]*cacheEntry),
		failed:  make(map[cacheKey]*failedLookup),
	}
}

// FindPaths returns every known path from one namespace to another, ordered
// by priority ascending, then by hop count ascending.
//
// A cache hit returns the memoized list without touching the repository.
// Unknown namespaces are a *datatypes.ConfigurationError. When no forward
// path is registered but a reverse one is, a reversed path is synthesized
// with a priority penalty. An empty result is memoized like any other.
func (f *Finder) FindPaths(ctx context.Context, from, to string, entityType datatypes.EntityType) ([]datatypes.MappingPath, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}

	key := cacheKey{from: from, to: to, entityType: entityType}

	if paths, ok := f.lookup(key); ok {
		atomic.AddInt64(&f.hits, 1)
		return paths, nil
	}
	atomic.AddInt64(&f.misses, 1)

	if fl := f.cachedFailure(key); fl != nil {
		return nil, fmt.Errorf("path lookup recently failed, retry after %s: %w",
			time.Until(fl.retryAt).Round(time.Second), fl.err)
	}

	// Singleflight: one repository query per key across concurrent runs.
	// The generation is captured before the query so a result read from a
	// pre-reload repository snapshot is never memoized after Invalidate.
	result, err, _ := f.flight.Do(flightKey(key), func() (any, error) {
		gen := atomic.LoadInt64(&f.generation)
		paths, err := f.resolve(ctx, key)
		if err != nil {
			if _, isConfig := err.(*datatypes.ConfigurationError); !isConfig {
				f.cacheFailure(key, err)
			}
			return nil, err
		}
		f.store(key, paths, gen)
		return paths, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]datatypes.MappingPath), nil
}

// FindBestPath returns the single best path, or a *datatypes.
// PathNotFoundError when no route exists in either direction. Callers treat
// that error as "no mapping possible", not as a fault.
func (f *Finder) FindBestPath(ctx context.Context, from, to string, entityType datatypes.EntityType) (*datatypes.MappingPath, error) {
	paths, err := f.FindPaths(ctx, from, to, entityType)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, &datatypes.PathNotFoundError{From: from, To: to, EntityType: entityType}
	}
	best := paths[0]
	return &best, nil
}

// Invalidate drops every memoized entry. Called on configuration reload so
// stale path lists never outlive the repository data they came from.
func (f *Finder) Invalidate() {
	f.mu.Lock()
	count := len(f.entries)
	f.entries = make(map[cacheKey]*cacheEntry)
	f.failed = make(map[cacheKey]*failedLookup)
	atomic.AddInt64(&f.generation, 1)
	f.mu.Unlock()

	atomic.AddInt64(&f.invalidations, 1)
	f.logger.Info("path cache invalidated", slog.Int("dropped_entries", count))
}

// Stats returns current cache counters.
func (f *Finder) Stats() Stats {
	f.mu.RLock()
	entryCount := len(f.entries)
	f.mu.RUnlock()
	return Stats{
		Hits:          atomic.LoadInt64(&f.hits),
		Misses:        atomic.LoadInt64(&f.misses),
		Invalidations: atomic.LoadInt64(&f.invalidations),
		EntryCount:    entryCount,
	}
}

func (f *Finder) lookup(key cacheKey) ([]datatypes.MappingPath, bool) {
	f.mu.RLock()
	entry, ok := f.entries[key]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > f.opts.TTL {
		f.mu.Lock()
		// Re-check under the write lock; a fresh entry may have landed.
		if cur, still := f.entries[key]; still && cur == entry {
			delete(f.entries, key)
		}
		f.mu.Unlock()
		return nil, false
	}
	return entry.paths, true
}

func (f *Finder) store(key cacheKey, paths []datatypes.MappingPath, gen int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// An invalidation landed while the repository query was in flight;
	// the result came from the old snapshot, so it must not be memoized.
	if atomic.LoadInt64(&f.generation) != gen {
		return
	}
	f.entries[key] = &cacheEntry{paths: paths, storedAt: time.Now()}
	delete(f.failed, key)
}

func (f *Finder) cachedFailure(key cacheKey) *failedLookup {
	f.mu.RLock()
	fl, ok := f.failed[key]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	if time.Now().After(fl.retryAt) {
		f.mu.Lock()
		delete(f.failed, key)
		f.mu.Unlock()
		return nil
	}
	return fl
}

func (f *Finder) cacheFailure(key cacheKey, err error) {
	f.mu.Lock()
	f.failed[key] = &failedLookup{err: err, retryAt: time.Now().Add(f.opts.ErrorCacheTTL)}
	f.mu.Unlock()
}

// resolve queries the repository, synthesizing a reversed path when only
// the opposite direction is registered.
func (f *Finder) resolve(ctx context.Context, key cacheKey) ([]datatypes.MappingPath, error) {
	for _, ns := range []string{key.from, key.to} {
		if !f.repo.HasNamespace(key.entityType, ns) {
			return nil, &datatypes.ConfigurationError{Subject: "namespace", Value: ns}
		}
	}

	paths, err := f.repo.FindPaths(ctx, key.from, key.to, key.entityType)
	if err != nil {
		return nil, fmt.Errorf("querying path repository: %w", err)
	}

	if len(paths) == 0 {
		reverse, err := f.repo.FindPaths(ctx, key.to, key.from, key.entityType)
		if err != nil {
			return nil, fmt.Errorf("querying path repository for reverse direction: %w", err)
		}
		for _, rp := range reverse {
			paths = append(paths, reversePath(rp, f.opts.ReversePenalty))
		}
		if len(paths) > 0 {
			f.logger.Debug("synthesized reversed paths",
				slog.String("from", key.from),
				slog.String("to", key.to),
				slog.Int("count", len(paths)),
			)
		}
	}

	sortPaths(paths)
	return paths, nil
}

// sortPaths orders by priority ascending, then hop count ascending, then
// name for determinism.
func sortPaths(paths []datatypes.MappingPath) {
	sort.SliceStable(paths, func(i, j int) bool {
		if paths[i].Priority != paths[j].Priority {
			return paths[i].Priority < paths[j].Priority
		}
		if len(paths[i].Steps) != len(paths[j].Steps) {
			return len(paths[i].Steps) < len(paths[j].Steps)
		}
		return paths[i].Name < paths[j].Name
	})
}

// reversePath wraps a registered path as the same steps run backward, with
// a priority penalty so registered forward paths always win.
func reversePath(p datatypes.MappingPath, penalty int) datatypes.MappingPath {
	steps := make([]datatypes.MappingStep, len(p.Steps))
	for i, s := range p.Steps {
		steps[len(p.Steps)-1-i] = datatypes.MappingStep{
			Resource:   s.Resource,
			From:       s.To,
			To:         s.From,
			Transform:  s.Transform,
			Confidence: s.Confidence,
		}
	}
	return datatypes.MappingPath{
		Name:       p.Name + ":reversed",
		EntityType: p.EntityType,
		From:       p.To,
		To:         p.From,
		Priority:   p.Priority + penalty,
		Steps:      steps,
		Reversed:   true,
	}
}

func flightKey(key cacheKey) string {
	return fmt.Sprintf("%s|%s|%s", key.from, key.to, key.entityType)
}
