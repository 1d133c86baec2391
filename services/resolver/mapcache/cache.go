// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mapcache caches resolved identifier mappings with confidence
// scoring and staleness control.
//
// The policy logic — TTL checks, confidence comparison, derived-confidence
// arithmetic — lives here; persistence is behind the Store interface, with
// an in-memory LRU store in this package and a BadgerDB store under
// storage/badger.
package mapcache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// Key addresses one cache row.
type Key struct {
	SourceNamespace string
	SourceID        string
	TargetNamespace string
}

// Store persists cache rows. Implementations must be safe for concurrent
// use; writers must not block readers for unrelated keys.
type Store interface {
	// Get returns the row for key, or datatypes.ErrCacheMiss.
	Get(ctx context.Context, key Key) (*datatypes.EntityMapping, error)

	// Put stores the row, replacing any previous one.
	Put(ctx context.Context, key Key, m *datatypes.EntityMapping) error

	// Delete removes the row. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// Sweep purges rows expired at the given instant and returns how many
	// were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Close releases store resources.
	Close() error
}

// Target is one resolved target identifier with its client-reported
// confidence. Zero confidence means the client reported none and is treated
// as 1.0.
type Target struct {
	ID         string
	Confidence float64
}

// Options configures cache policy.
type Options struct {
	// DefaultTTL applies when Store is called with a zero TTL.
	// Default 24h.
	DefaultTTL time.Duration

	// MinConfidence floors derived multi-hop confidence so long chains do
	// not vanish to zero. Default 0.1.
	MinConfidence float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTTL:    24 * time.Hour,
		MinConfidence: 0.1,
	}
}

// Stats reports cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Expiries  int64
	Stores    int64
	Discarded int64
}

// Cache applies TTL and confidence policy over a Store.
//
// Thread Safety: safe for concurrent use; shared across all concurrently
// running strategies.
type Cache struct {
	store  Store
	opts   Options
	logger *slog.Logger

	hits      int64
	misses    int64
	expiries  int64
	stores    int64
	discarded int64
}

// New creates a Cache over the given store.
func New(store Store, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = def.DefaultTTL
	}
	if opts.MinConfidence == 0 {
		opts.MinConfidence = def.MinConfidence
	}
	return &Cache{store: store, opts: opts, logger: logger}
}

// Check looks up a previously computed mapping.
//
// Check never performs lookups beyond the cache store: a miss means the
// caller falls through to a client. Rows past their TTL are treated as
// misses and deleted lazily.
func (c *Cache) Check(ctx context.Context, sourceID, sourceNS, targetNS string) (*datatypes.EntityMapping, bool, error) {
	key := Key{SourceNamespace: sourceNS, SourceID: sourceID, TargetNamespace: targetNS}

	row, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, datatypes.ErrCacheMiss) {
			atomic.AddInt64(&c.misses, 1)
			return nil, false, nil
		}
		return nil, false, err
	}

	if row.Expired(time.Now()) {
		atomic.AddInt64(&c.expiries, 1)
		atomic.AddInt64(&c.misses, 1)
		// Lazy expiry; the periodic sweep handles the rest.
		if derr := c.store.Delete(ctx, key); derr != nil {
			c.logger.Warn("failed to delete expired cache row",
				slog.String("source_id", sourceID),
				slog.String("error", derr.Error()),
			)
		}
		return nil, false, nil
	}

	atomic.AddInt64(&c.hits, 1)
	return row, true, nil
}

// Store writes a resolved mapping.
//
// If an unexpired row already exists for the key with strictly higher
// confidence, the new row is discarded and the existing one returned:
// confidence never regresses silently. Equal confidence prefers the most
// recent row. The row's confidence is the minimum across targets; an empty
// target list is stored as a confirmed negative result with confidence 1.0.
func (c *Cache) Store(ctx context.Context, sourceID, sourceNS, targetNS string, targets []Target, prov datatypes.Provenance, ttl time.Duration) (*datatypes.EntityMapping, error) {
	key := Key{SourceNamespace: sourceNS, SourceID: sourceID, TargetNamespace: targetNS}
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}

	confidence := 1.0
	ids := make([]datatypes.Identifier, 0, len(targets))
	for _, t := range targets {
		hc := t.Confidence
		if hc == 0 {
			hc = 1.0
		}
		if hc < confidence {
			confidence = hc
		}
		ids = append(ids, datatypes.Identifier{Value: t.ID, Namespace: targetNS})
	}

	row := &datatypes.EntityMapping{
		SourceNamespace: sourceNS,
		SourceID:        sourceID,
		TargetNamespace: targetNS,
		TargetIDs:       ids,
		Confidence:      confidence,
		Source:          prov,
		CreatedAt:       time.Now(),
		TTL:             ttl,
	}

	existing, err := c.store.Get(ctx, key)
	if err != nil && !errors.Is(err, datatypes.ErrCacheMiss) {
		return nil, err
	}
	if err == nil && !existing.Expired(time.Now()) && existing.Confidence > row.Confidence {
		atomic.AddInt64(&c.discarded, 1)
		c.logger.Debug("discarding lower-confidence mapping",
			slog.String("source_id", sourceID),
			slog.Float64("existing", existing.Confidence),
			slog.Float64("new", row.Confidence),
		)
		return existing, nil
	}

	if err := c.store.Put(ctx, key, row); err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.stores, 1)
	return row, nil
}

// DerivedConfidence combines per-hop confidences for a multi-hop mapping:
// the product of all hops, floored at MinConfidence so long chains do not
// vanish. The floor never lifts the result above the smallest hop
// confidence, keeping derived confidence non-increasing across hops.
func (c *Cache) DerivedConfidence(hops []float64) float64 {
	confidence := 1.0
	minHop := 1.0
	for _, h := range hops {
		if h == 0 {
			h = 1.0
		}
		confidence *= h
		if h < minHop {
			minHop = h
		}
	}
	floor := c.opts.MinConfidence
	if minHop < floor {
		floor = minHop
	}
	if confidence < floor {
		return floor
	}
	return confidence
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Expiries:  atomic.LoadInt64(&c.expiries),
		Stores:    atomic.LoadInt64(&c.stores),
		Discarded: atomic.LoadInt64(&c.discarded),
	}
}

// StartSweeper runs a periodic expiry sweep until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := c.store.Sweep(ctx, time.Now())
				if err != nil {
					c.logger.Warn("cache sweep failed", slog.String("error", err.Error()))
					continue
				}
				if purged > 0 {
					c.logger.Debug("cache sweep", slog.Int("purged", purged))
				}
			}
		}
	}()
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
