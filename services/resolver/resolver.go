// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolver assembles the identifier cross-reference engine from
// its parts: configuration repository, path finder, mapping cache,
// client registry, step executor, orchestrator, and batch controller.
//
// Library callers construct an Engine, register their mapping client
// factories, and call Run or Resume. The CLI is a thin wrapper over the
// same surface.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/crosswalk-bio/crosswalk/services/resolver/batch"
	"github.com/crosswalk-bio/crosswalk/services/resolver/clients"
	"github.com/crosswalk-bio/crosswalk/services/resolver/config"
	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/mapcache"
	"github.com/crosswalk-bio/crosswalk/services/resolver/normalize"
	"github.com/crosswalk-bio/crosswalk/services/resolver/observability"
	"github.com/crosswalk-bio/crosswalk/services/resolver/pathfinder"
	"github.com/crosswalk-bio/crosswalk/services/resolver/reconcile"
	"github.com/crosswalk-bio/crosswalk/services/resolver/steps"
	badgerstore "github.com/crosswalk-bio/crosswalk/services/resolver/storage/badger"
	"github.com/crosswalk-bio/crosswalk/services/resolver/strategy"
)

// Options configures an Engine.
type Options struct {
	// ConfigPath is the YAML file holding namespaces, paths, and
	// strategies. Required.
	ConfigPath string

	// DataDir is the directory for the persistent mapping cache and
	// checkpoint store. Empty means in-memory only: no persistence, no
	// resume across processes.
	DataDir string

	// BatchSize and MaxConcurrent configure batched runs. Zero values
	// take the controller defaults.
	BatchSize     int
	MaxConcurrent int

	// BatchTimeout bounds each batch. Zero means no per-batch timeout.
	BatchTimeout time.Duration

	// SweepInterval enables the periodic cache sweeper when positive.
	SweepInterval time.Duration

	// WatchConfig reloads configuration on file change and invalidates
	// the path cache.
	WatchConfig bool

	// EnableMetrics registers prometheus collectors.
	EnableMetrics bool

	// UnconfirmedPenalty discounts one-directional pairs during
	// bidirectional reconciliation. Zero selects the default.
	UnconfirmedPenalty float64

	// HistoricalResolver, when set, rewrites secondary and merged
	// identifiers to their current primary forms before every map-step
	// lookup. Nil treats all well-formed identifiers as current.
	HistoricalResolver normalize.HistoricalResolver

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is the assembled resolution engine.
type Engine struct {
	repo       *config.Repository
	finder     *pathfinder.Finder
	cache      *mapcache.Cache
	store      *badgerstore.Store
	registry   *clients.Registry
	stepReg    *steps.Registry
	orch       *strategy.Orchestrator
	controller *batch.Controller
	watcher    *config.Watcher
	metrics    *observability.ResolverMetrics
	logger     *slog.Logger
	penalty    float64

	sweepCancel context.CancelFunc
}

// New builds an Engine from options. Call Close when done.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := config.NewRepository(opts.ConfigPath, logger)
	if err != nil {
		return nil, err
	}

	var metrics *observability.ResolverMetrics
	if opts.EnableMetrics {
		metrics = observability.InitMetrics()
	}

	finder := pathfinder.New(repo, pathfinder.DefaultOptions(), logger)
	repo.OnReload(finder.Invalidate)

	e := &Engine{
		repo:     repo,
		finder:   finder,
		registry: clients.NewRegistry(logger),
		stepReg:  steps.NewRegistry(),
		metrics:  metrics,
		logger:   logger,
		penalty:  opts.UnconfirmedPenalty,
	}

	var cacheStore mapcache.Store
	if opts.DataDir != "" {
		store, err := badgerstore.Open(badgerstore.DefaultConfig(opts.DataDir))
		if err != nil {
			return nil, fmt.Errorf("opening data dir %q: %w", opts.DataDir, err)
		}
		e.store = store
		cacheStore = store
	} else {
		cacheStore = mapcache.NewMemoryStore(0)
	}
	e.cache = mapcache.New(cacheStore, mapcache.DefaultOptions(), logger)
	if opts.SweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(context.Background())
		e.sweepCancel = cancel
		e.cache.StartSweeper(sweepCtx, opts.SweepInterval)
	}

	normalizeOpts := []normalize.Option{normalize.WithLogger(logger)}
	if opts.HistoricalResolver != nil {
		normalizeOpts = append(normalizeOpts, normalize.WithResolver(opts.HistoricalResolver))
	}
	executor := steps.NewExecutor(e.stepReg, steps.Deps{
		Normalizer: normalize.New(normalizeOpts...),
		Finder:     finder,
		Cache:      e.cache,
		Clients:    e.registry,
		Metrics:    metrics,
		Logger:     logger,
	})

	orchOpts := []strategy.Option{
		strategy.WithMetrics(metrics),
		strategy.WithLogger(logger),
	}
	if e.store != nil {
		orchOpts = append(orchOpts, strategy.WithCheckpointStore(e.store))
	}
	e.orch = strategy.New(executor, e.stepReg, orchOpts...)

	batchOpts := batch.DefaultOptions()
	if opts.BatchSize > 0 {
		batchOpts.BatchSize = opts.BatchSize
	}
	if opts.MaxConcurrent > 0 {
		batchOpts.MaxConcurrent = opts.MaxConcurrent
	}
	batchOpts.BatchTimeout = opts.BatchTimeout
	copts := []batch.Option{batch.WithMetrics(metrics), batch.WithLogger(logger)}
	if e.store != nil {
		copts = append(copts, batch.WithCheckpointStore(e.store))
	}
	e.controller = batch.New(e.orch, batchOpts, copts...)

	if opts.WatchConfig {
		w, err := config.NewWatcher(repo, nil, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		if err := w.Start(context.Background()); err != nil {
			w.Stop()
			e.Close()
			return nil, err
		}
		e.watcher = w
	}

	return e, nil
}

// Clients exposes the client registry for factory registration.
func (e *Engine) Clients() *clients.Registry { return e.registry }

// Repository exposes the configuration repository.
func (e *Engine) Repository() *config.Repository { return e.repo }

// Run executes the named strategy over the identifiers, batched when
// the input exceeds one batch.
func (e *Engine) Run(ctx context.Context, strategyName string, ids []string) (*datatypes.RunResult, error) {
	def, err := e.repo.Strategy(strategyName)
	if err != nil {
		return nil, err
	}
	return e.controller.Run(ctx, def, ids)
}

// Resume continues an interrupted batched run from its checkpoint.
func (e *Engine) Resume(ctx context.Context, strategyName, runID string) (*datatypes.RunResult, error) {
	if e.store == nil {
		return nil, &datatypes.ConfigurationError{Subject: "checkpoint store", Value: "engine has no data dir"}
	}
	def, err := e.repo.Strategy(strategyName)
	if err != nil {
		return nil, err
	}
	return e.controller.Resume(ctx, def, runID)
}

// BidirectionalOutcome bundles a forward run, the reverse run over its
// targets, and the reconciled relation.
type BidirectionalOutcome struct {
	Forward    *datatypes.RunResult
	Reverse    *datatypes.RunResult
	Reconciled []datatypes.ReconciledMapping
}

// RunBidirectional executes the forward strategy over the identifiers,
// feeds every resolved target through the reverse strategy, and
// reconciles the two directions into confidence-tiered pairs.
//
// # Edge Cases
//
//   - A forward run that resolves nothing skips the reverse run and
//     reconciles against an empty reverse result.
//   - A failed forward run returns its error; the partial outcome
//     carries the forward result for inspection.
func (e *Engine) RunBidirectional(ctx context.Context, forwardStrategy, reverseStrategy string, ids []string) (*BidirectionalOutcome, error) {
	forward, err := e.Run(ctx, forwardStrategy, ids)
	if err != nil {
		return &BidirectionalOutcome{Forward: forward}, err
	}
	outcome := &BidirectionalOutcome{Forward: forward}

	targets := collectTargets(forward)
	if len(targets) > 0 {
		reverse, err := e.Run(ctx, reverseStrategy, targets)
		if err != nil {
			return outcome, err
		}
		outcome.Reverse = reverse
	}

	outcome.Reconciled = reconcile.Reconcile(
		toDirectional(outcome.Forward),
		toDirectional(outcome.Reverse),
		reconcile.Options{UnconfirmedPenalty: e.penalty},
	)
	return outcome, nil
}

// collectTargets flattens a run's resolved targets, deduplicated in
// first-seen order over sorted sources for determinism.
func collectTargets(result *datatypes.RunResult) []string {
	sources := make([]string, 0, len(result.Results))
	for source := range result.Results {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	seen := make(map[string]struct{})
	var targets []string
	for _, source := range sources {
		for _, target := range result.Results[source] {
			if _, dup := seen[target]; dup {
				continue
			}
			seen[target] = struct{}{}
			targets = append(targets, target)
		}
	}
	return targets
}

func toDirectional(result *datatypes.RunResult) reconcile.DirectionalResult {
	if result == nil {
		return nil
	}
	out := make(reconcile.DirectionalResult, len(result.Results))
	for source, targets := range result.Results {
		if len(targets) == 0 {
			continue
		}
		out[source] = reconcile.Entry{Targets: targets}
	}
	return out
}

// CacheStats reports mapping-cache and path-cache counters.
func (e *Engine) CacheStats() (mapcache.Stats, pathfinder.Stats) {
	return e.cache.Stats(), e.finder.Stats()
}

// Close releases the watcher, sweeper, and persistent store.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.sweepCancel != nil {
		e.sweepCancel()
	}
	if err := e.cache.Close(); err != nil {
		return err
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
