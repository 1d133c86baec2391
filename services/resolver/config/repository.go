// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the resolver's declarative configuration: the
// namespace registry, the mapping-path catalog, and the strategy
// definitions. One YAML file holds all three; the Repository serves
// immutable snapshots of it and supports atomic reload.
package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/pathfinder"
)

var fileValidator = validator.New(validator.WithRequiredStructEnabled())

var _ pathfinder.Repository = (*Repository)(nil)

// File is the on-disk configuration schema.
type File struct {
	// Namespaces maps an entity type to the namespaces registered for it.
	Namespaces map[datatypes.EntityType][]string `yaml:"namespaces" validate:"required,min=1"`

	// Paths is the mapping-path catalog.
	Paths []datatypes.MappingPath `yaml:"paths" validate:"dive"`

	// Strategies is the strategy catalog.
	Strategies []datatypes.StrategyDefinition `yaml:"strategies"`
}

// Load reads and validates a configuration file.
//
// # Outputs
//
//   - *File: The parsed configuration.
//   - error: A *datatypes.ConfigurationError for unreadable or
//     malformed files, a *datatypes.ValidationError for a strategy
//     that fails structural validation.
//
// Paths referencing a namespace absent from the registry are rejected:
// a catalog that disagrees with its own namespace list would produce
// unknown-namespace failures at run time instead of load time.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &datatypes.ConfigurationError{Subject: "config file", Value: path, Err: err}
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &datatypes.ConfigurationError{Subject: "config file", Value: path, Err: err}
	}

	if err := fileValidator.Struct(&f); err != nil {
		return nil, &datatypes.ConfigurationError{Subject: "config file", Value: path, Err: err}
	}
	for i := range f.Paths {
		p := &f.Paths[i]
		if !namespaceKnown(f.Namespaces, p.EntityType, p.From) {
			return nil, &datatypes.ConfigurationError{
				Subject: "namespace",
				Value:   p.From,
				Err:     fmt.Errorf("path %q references an unregistered source", p.Name),
			}
		}
		if !namespaceKnown(f.Namespaces, p.EntityType, p.To) {
			return nil, &datatypes.ConfigurationError{
				Subject: "namespace",
				Value:   p.To,
				Err:     fmt.Errorf("path %q references an unregistered target", p.Name),
			}
		}
	}
	for i := range f.Strategies {
		if err := f.Strategies[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

func namespaceKnown(registry map[datatypes.EntityType][]string, et datatypes.EntityType, ns string) bool {
	for _, candidate := range registry[et] {
		if candidate == ns {
			return true
		}
	}
	return false
}

// Repository serves configuration snapshots and implements the
// path-lookup surface the finder depends on.
//
// # Thread Safety
//
// Safe for concurrent use. Reload swaps the snapshot atomically;
// readers in flight keep the snapshot they started with.
type Repository struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	file *File

	generation atomic.Int64

	hookMu   sync.Mutex
	onReload []func()
}

// NewRepository loads the file at path and returns a repository
// backed by it.
func NewRepository(path string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Repository{path: path, logger: logger, file: f}
	r.generation.Store(1)
	return r, nil
}

// FindPaths returns every registered path from one namespace to
// another within an entity type. An empty result is not an error.
func (r *Repository) FindPaths(ctx context.Context, from, to string, entityType datatypes.EntityType) ([]datatypes.MappingPath, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	f := r.file
	r.mu.RUnlock()

	var out []datatypes.MappingPath
	for _, p := range f.Paths {
		if p.EntityType == entityType && p.From == from && p.To == to {
			out = append(out, p)
		}
	}
	return out, nil
}

// HasNamespace reports whether the namespace is registered for the
// entity type.
func (r *Repository) HasNamespace(entityType datatypes.EntityType, namespace string) bool {
	r.mu.RLock()
	f := r.file
	r.mu.RUnlock()
	return namespaceKnown(f.Namespaces, entityType, namespace)
}

// Strategy returns the named strategy definition.
func (r *Repository) Strategy(name string) (*datatypes.StrategyDefinition, error) {
	r.mu.RLock()
	f := r.file
	r.mu.RUnlock()

	for i := range f.Strategies {
		if f.Strategies[i].Name == name {
			def := f.Strategies[i]
			return &def, nil
		}
	}
	return nil, &datatypes.ConfigurationError{Subject: "strategy", Value: name}
}

// StrategyNames lists the configured strategies.
func (r *Repository) StrategyNames() []string {
	r.mu.RLock()
	f := r.file
	r.mu.RUnlock()

	names := make([]string, 0, len(f.Strategies))
	for i := range f.Strategies {
		names = append(names, f.Strategies[i].Name)
	}
	return names
}

// Generation returns a counter that increments on every successful
// reload. Callers can poll it to detect configuration changes.
func (r *Repository) Generation() int64 {
	return r.generation.Load()
}

// OnReload registers a hook invoked after every successful reload.
// Hooks run synchronously on the reloading goroutine.
func (r *Repository) OnReload(fn func()) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Reload re-reads the backing file and swaps the snapshot.
//
// A load failure leaves the previous snapshot in place: a half-edited
// file on disk must not take down a running resolver.
func (r *Repository) Reload() error {
	f, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping previous snapshot",
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.mu.Lock()
	r.file = f
	r.mu.Unlock()
	gen := r.generation.Add(1)

	r.hookMu.Lock()
	hooks := append(make([]func(), 0, len(r.onReload)), r.onReload...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	r.logger.Info("configuration reloaded",
		slog.String("path", r.path),
		slog.Int64("generation", gen),
		slog.Int("paths", len(f.Paths)),
		slog.Int("strategies", len(f.Strategies)),
	)
	return nil
}
