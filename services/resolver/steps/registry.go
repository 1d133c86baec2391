// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package steps implements strategy step execution: a registry mapping
// declarative action types to concrete behaviors, and an executor that
// runs one step against an execution context.
//
// The built-in actions:
//   - "map": direct client lookup with cache short-circuit
//   - "convert": best-path multi-hop conversion via the path finder
//   - "filter": partition the working set by presence in a reference set
//
// Unknown action types are caught at strategy-load time by
// ValidateStrategy, before any step runs.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crosswalk-bio/crosswalk/services/resolver/clients"
	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/mapcache"
	"github.com/crosswalk-bio/crosswalk/services/resolver/normalize"
	"github.com/crosswalk-bio/crosswalk/services/resolver/observability"
	"github.com/crosswalk-bio/crosswalk/services/resolver/pathfinder"
)

// Built-in action type keys.
const (
	ActionMap     = "map"
	ActionConvert = "convert"
	ActionFilter  = "filter"
)

// Step parameter keys shared across actions.
const (
	ParamInputKey        = "input_key"
	ParamOutputKey       = "output_key"
	ParamClient          = "client"
	ParamClientConfig    = "client_config"
	ParamSourceNamespace = "source_namespace"
	ParamTargetNamespace = "target_namespace"
	ParamReferenceKey    = "reference_key"
	ParamReferenceSet    = "reference_set"
	ParamBypassCache     = "bypass_client_cache"
)

// ResultsKeySuffix names each step's result-bundle context key:
// "<step name>:results" holds map[string][]string plus "error:"-prefixed
// entries for per-identifier failures.
const ResultsKeySuffix = ":results"

// Deps bundles the collaborators every action draws on.
type Deps struct {
	Normalizer *normalize.Normalizer
	Finder     *pathfinder.Finder
	Cache      *mapcache.Cache
	Clients    *clients.Registry
	Metrics    *observability.ResolverMetrics
	Logger     *slog.Logger
}

// Outcome is what an action reports back to the executor on success.
type Outcome struct {
	// OutputCount is the size of the produced output set.
	OutputCount int

	// Provenance carries structured execution detail for the step log.
	Provenance map[string]any
}

// Action is one concrete step behavior. Implementations read their
// input from the context key declared in step parameters, write their
// named outputs back, and must not mutate any other context key.
type Action interface {
	Execute(ctx context.Context, step datatypes.StrategyStep, entityType datatypes.EntityType, ec *datatypes.ExecutionContext, deps *Deps) (Outcome, error)
}

// Registry resolves action-type strings to Action implementations.
// The set is closed at build time; strategies referencing unregistered
// types fail validation before execution.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry preloaded with the built-in actions.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[string]Action)}
	r.Register(ActionMap, &mapAction{})
	r.Register(ActionConvert, &convertAction{})
	r.Register(ActionFilter, &filterAction{})
	return r
}

// Register binds an action type to its behavior, replacing any previous
// binding.
func (r *Registry) Register(actionType string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[actionType] = action
}

// Resolve returns the action for a type key.
func (r *Registry) Resolve(actionType string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionType]
	return a, ok
}

// ValidateStrategy checks that every step's action type resolves.
// Called at strategy-load time so a typo fails the run before any step
// executes.
func (r *Registry) ValidateStrategy(def *datatypes.StrategyDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	for i, step := range def.Steps {
		if _, ok := r.Resolve(step.ActionType); !ok {
			return &datatypes.ValidationError{
				Strategy: def.Name,
				Field:    fmt.Sprintf("steps[%d].action_type", i),
				Detail:   fmt.Sprintf("unknown action type %q", step.ActionType),
			}
		}
	}
	return nil
}
