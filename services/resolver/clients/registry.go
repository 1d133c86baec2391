// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// Factory constructs a MappingClient from step parameters. Construction
// may be expensive (loading a reference file, opening a connection);
// the registry amortizes it across runs.
type Factory func(config map[string]any) (MappingClient, error)

// instance is one cached client with its creation timestamp. The
// timestamp makes staleness visible and gives eviction a basis beyond
// process restart.
type instance struct {
	client    MappingClient
	createdAt time.Time
}

// Registry is the process-wide cache of initialized MappingClient
// instances, keyed by client name plus canonical configuration.
//
// Instances are created lazily on first request and shared across
// concurrently running strategies. Entries never expire on their own,
// but a known-bad instance can be evicted per key, and a single call
// can bypass the cache entirely.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]instance
	limiters  map[string]*rate.Limiter
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]instance),
		limiters:  make(map[string]*rate.Limiter),
		logger:    logger,
	}
}

// RegisterFactory binds a client name to its constructor. Re-registering
// a name replaces the factory but leaves existing instances cached.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// SetRateLimit applies a call-rate ceiling to every instance of the
// named client. Zero or negative limit removes the ceiling.
func (r *Registry) SetRateLimit(name string, limit rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		delete(r.limiters, name)
		return
	}
	r.limiters[name] = rate.NewLimiter(limit, burst)
}

// GetOptions controls one Client call.
type GetOptions struct {
	// Bypass skips the instance cache: a fresh client is constructed and
	// NOT stored. Used to route around a cached instance suspected of
	// serving stale results.
	Bypass bool
}

// Client returns an initialized client for a name/config pair,
// constructing and caching it on first use.
//
// Inputs:
//
//	name - Registered client name. Unknown names are a ConfigurationError.
//	config - Step parameters passed to the factory; part of the cache key,
//	  so differently-configured instances of one client coexist.
//
// Outputs:
//
//	MappingClient - Ready-to-call client, rate-limited if a ceiling is set.
//	error - ConfigurationError for unknown names, factory errors otherwise.
func (r *Registry) Client(name string, config map[string]any, opts GetOptions) (MappingClient, error) {
	r.mu.Lock()
	factory, ok := r.factories[name]
	if !ok {
		r.mu.Unlock()
		return nil, &datatypes.ConfigurationError{
			Subject: "client",
			Value:   name,
		}
	}
	limiter := r.limiters[name]

	key, err := instanceKey(name, config)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	if !opts.Bypass {
		if inst, ok := r.instances[key]; ok {
			r.mu.Unlock()
			return r.wrap(inst.client, limiter), nil
		}
	}
	r.mu.Unlock()

	// Construction runs outside the lock: loading a reference file can
	// take seconds and must not stall unrelated lookups. Concurrent
	// first requests may construct twice; the second store wins and the
	// extra instance is discarded.
	client, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("constructing client %s: %w", name, err)
	}

	if !opts.Bypass {
		r.mu.Lock()
		if existing, ok := r.instances[key]; ok {
			client = existing.client
		} else {
			r.instances[key] = instance{client: client, createdAt: time.Now()}
		}
		r.mu.Unlock()
	}

	return r.wrap(client, limiter), nil
}

// Evict drops the cached instance for a name/config pair so the next
// request constructs a fresh one. Evicting an absent entry is a no-op.
func (r *Registry) Evict(name string, config map[string]any) error {
	key, err := instanceKey(name, config)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[key]; ok {
		delete(r.instances, key)
		r.logger.Info("evicted client instance", slog.String("client", name))
	}
	return nil
}

// InstanceAge returns how long the cached instance for a name/config
// pair has been alive, and whether one exists.
func (r *Registry) InstanceAge(name string, config map[string]any) (time.Duration, bool) {
	key, err := instanceKey(name, config)
	if err != nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok {
		return 0, false
	}
	return time.Since(inst.createdAt), true
}

// Len returns the number of cached instances.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

func (r *Registry) wrap(client MappingClient, limiter *rate.Limiter) MappingClient {
	if limiter == nil {
		return client
	}
	return &rateLimitedClient{client: client, limiter: limiter}
}

// instanceKey builds the cache key from the client name and canonical
// JSON of its configuration. JSON map keys marshal sorted, so two maps
// with equal contents produce the same key.
func instanceKey(name string, config map[string]any) (string, error) {
	if len(config) == 0 {
		return name, nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("canonicalizing config for client %s: %w", name, err)
	}
	return name + "\x00" + string(data), nil
}

// rateLimitedClient gates calls through a shared token bucket.
type rateLimitedClient struct {
	client  MappingClient
	limiter *rate.Limiter
}

func (c *rateLimitedClient) MapIdentifiers(ctx context.Context, ids []string, config map[string]any) (map[string]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.client.MapIdentifiers(ctx, ids, config)
}
