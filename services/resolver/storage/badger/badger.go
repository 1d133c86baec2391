// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger provides embedded persistent storage for resolved
// mappings and run checkpoints, backed by BadgerDB.
//
// The store serves two concerns:
//   - the warm tier of the mapping cache (mapcache.Store), surviving
//     process restarts so repeated runs skip already-resolved identifiers
//   - checkpoint snapshots for resumable strategy runs
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/mapcache"
)

// Key prefixes partition the keyspace. Mapping rows and checkpoints
// share one database but never collide.
const (
	mappingPrefix    = "m/"
	checkpointPrefix = "c/"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a run.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives store and GC events. BadgerDB's own logging is
	// disabled; it is far too chatty for an embedded cache.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC
	// rewrites a value log file.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and a
// five-minute GC cadence.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for testing: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory: true,
	}
}

// Store is a BadgerDB-backed mapping and checkpoint store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ mapcache.Store = (*Store)(nil)

// Open opens the store, creating the database directory if needed.
//
// Outputs:
//
//	*Store - The opened store. Caller must call Close() when done.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Get returns the mapping row for key, or datatypes.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key mapcache.Key) (*datatypes.EntityMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var row datatypes.EntityMapping
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mappingKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, datatypes.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping row: %w", err)
	}
	return &row, nil
}

// Put stores the mapping row, replacing any previous one. Rows with a
// positive TTL also get a BadgerDB entry TTL so the database reclaims
// them even if no sweep runs.
func (s *Store) Put(ctx context.Context, key mapcache.Key, m *datatypes.EntityMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping row: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(mappingKey(key), data)
		if m.TTL > 0 {
			entry = entry.WithTTL(m.TTL)
		}
		return txn.SetEntry(entry)
	})
}

// Delete removes the mapping row. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key mapcache.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(mappingKey(key))
	})
}

// Sweep purges mapping rows expired at the given instant and returns
// how many were removed. BadgerDB's entry TTL already hides expired
// entries from iteration; the sweep additionally covers rows written
// without an entry TTL.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(mappingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var row datatypes.EntityMapping
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			})
			if err != nil {
				// Undecodable rows are purged along with expired ones.
				expired = append(expired, item.KeyCopy(nil))
				continue
			}
			if row.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan mapping rows: %w", err)
	}

	purged := 0
	for _, key := range expired {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			s.logger.Warn("failed to purge expired mapping row",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
			continue
		}
		purged++
	}
	return purged, nil
}

// SaveCheckpoint persists a sealed checkpoint snapshot, replacing any
// previous snapshot for the same run.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *datatypes.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cp.RunID == "" {
		return errors.New("checkpoint run ID is empty")
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.RunID), data)
	})
}

// LoadCheckpoint returns the snapshot for runID after verifying its
// version and checksum. Returns ErrCheckpointNotFound if none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) (*datatypes.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp datatypes.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrCheckpointNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := cp.Verify(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint removes the snapshot for a completed run. Deleting
// an absent snapshot is not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(runID))
	})
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing needed
			// collecting; that is not an error.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func mappingKey(key mapcache.Key) []byte {
	// Namespaces never contain '/', so the composite key is unambiguous.
	return []byte(mappingPrefix + key.SourceNamespace + "/" + key.TargetNamespace + "/" + key.SourceID)
}

func checkpointKey(runID string) []byte {
	return []byte(checkpointPrefix + runID)
}
