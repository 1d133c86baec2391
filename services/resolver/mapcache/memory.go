// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mapcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// MemoryStore is an in-process Store with least-recently-used eviction.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu         sync.RWMutex
	rows       map[Key]*memoryRow
	lru        *list.List
	maxEntries int
	evictions  int64
}

type memoryRow struct {
	mapping    *datatypes.EntityMapping
	lruElement *list.Element
}

// NewMemoryStore creates a MemoryStore bounded to maxEntries rows.
// A non-positive maxEntries means unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		rows:       make(map[Key]*memoryRow),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

// Get returns the row for key, or datatypes.ErrCacheMiss.
func (s *MemoryStore) Get(ctx context.Context, key Key) (*datatypes.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		return nil, datatypes.ErrCacheMiss
	}
	s.lru.MoveToFront(row.lruElement)
	return row.mapping, nil
}

// Put stores the row, evicting least-recently-used rows past capacity.
func (s *MemoryStore) Put(ctx context.Context, key Key, m *datatypes.EntityMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rows[key]; ok {
		existing.mapping = m
		s.lru.MoveToFront(existing.lruElement)
		return nil
	}

	if s.maxEntries > 0 {
		for len(s.rows) >= s.maxEntries {
			oldest := s.lru.Back()
			if oldest == nil {
				break
			}
			s.removeLocked(oldest.Value.(Key))
			s.evictions++
		}
	}

	s.rows[key] = &memoryRow{
		mapping:    m,
		lruElement: s.lru.PushFront(key),
	}
	return nil
}

// Delete removes the row; deleting an absent key is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

// Sweep purges rows expired at the given instant.
func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, row := range s.rows {
		if row.mapping.Expired(now) {
			s.removeLocked(key)
			purged++
		}
	}
	return purged, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Evictions returns how many rows were evicted for capacity.
func (s *MemoryStore) Evictions() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evictions
}

func (s *MemoryStore) removeLocked(key Key) {
	row, ok := s.rows[key]
	if !ok {
		return
	}
	s.lru.Remove(row.lruElement)
	delete(s.rows, key)
}

var _ Store = (*MemoryStore)(nil)
