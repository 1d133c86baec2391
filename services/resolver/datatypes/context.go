// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "sync"

// WorkingSetKey is the conventional context key holding the current
// identifier working set. Steps read it when no input key is declared.
const WorkingSetKey = "working_set"

// ExecutionContext is the mutable key-value store threaded through every
// step of one strategy run.
//
// Each run owns exactly one context; contexts are never shared across
// concurrent runs. The internal lock exists because a step may fan out
// goroutines that write results back, not because two runs share state.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext creates a context seeded with the initial working set.
func NewExecutionContext(initial []string) *ExecutionContext {
	ec := &ExecutionContext{values: make(map[string]any)}
	ec.values[WorkingSetKey] = append([]string(nil), initial...)
	return ec
}

// Get returns the value stored under key.
func (ec *ExecutionContext) Get(key string) (any, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.values[key]
	return v, ok
}

// Set stores a value under key, replacing any previous value.
func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.values[key] = value
}

// StringList returns the value under key as a string slice. Missing keys and
// non-list values yield an empty slice.
func (ec *ExecutionContext) StringList(key string) []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	switch v := ec.values[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// WorkingSet returns the current working set.
func (ec *ExecutionContext) WorkingSet() []string {
	return ec.StringList(WorkingSetKey)
}

// SetWorkingSet replaces the current working set.
func (ec *ExecutionContext) SetWorkingSet(ids []string) {
	ec.Set(WorkingSetKey, append([]string(nil), ids...))
}

// Keys returns all stored keys. Order is unspecified.
func (ec *ExecutionContext) Keys() []string {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	keys := make([]string, 0, len(ec.values))
	for k := range ec.values {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the context contents.
//
// The copy is deep for the string slices the engine itself writes; steps
// storing their own aggregate values must treat stored values as immutable
// after Set, which is what makes the snapshot safe for optional-step
// rollback and checkpointing.
func (ec *ExecutionContext) Snapshot() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snap := make(map[string]any, len(ec.values))
	for k, v := range ec.values {
		if s, ok := v.([]string); ok {
			snap[k] = append([]string(nil), s...)
			continue
		}
		snap[k] = v
	}
	return snap
}

// Restore replaces the context contents with a previously taken snapshot.
func (ec *ExecutionContext) Restore(snapshot map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.values = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		if s, ok := v.([]string); ok {
			ec.values[k] = append([]string(nil), s...)
			continue
		}
		ec.values[k] = v
	}
}
