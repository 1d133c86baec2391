// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"fmt"

	"github.com/crosswalk-bio/crosswalk/services/resolver/clients"
	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/mapcache"
)

// convertAction resolves identifiers across namespaces with no direct
// client by walking the best registered path hop by hop. The composed
// mapping is stored back with derived provenance and a confidence that
// never exceeds any hop's own.
//
// A missing path fails the step with PathNotFoundError; whether that
// aborts the run is the step's Required flag's decision, not ours.
type convertAction struct{}

// hopState tracks one source identifier's frontier through the path.
type hopState struct {
	current []string
	hops    []float64
}

func (a *convertAction) Execute(ctx context.Context, step datatypes.StrategyStep, entityType datatypes.EntityType, ec *datatypes.ExecutionContext, deps *Deps) (Outcome, error) {
	sourceNS := step.StringParam(ParamSourceNamespace, "")
	targetNS := step.StringParam(ParamTargetNamespace, "")
	if sourceNS == "" || targetNS == "" {
		return Outcome{}, &datatypes.ValidationError{
			Field:  ParamSourceNamespace,
			Detail: "convert step needs source_namespace and target_namespace",
		}
	}

	path, err := deps.Finder.FindBestPath(ctx, sourceNS, targetNS, entityType)
	if err != nil {
		return Outcome{}, err
	}

	inputKey := step.StringParam(ParamInputKey, datatypes.WorkingSetKey)
	outputKey := step.StringParam(ParamOutputKey, datatypes.WorkingSetKey)
	input := ec.StringList(inputKey)

	// Cache short-circuit on the whole conversion before walking hops.
	states := make(map[string]*hopState, len(input))
	results := make(map[string][]string, len(input))
	cacheHits := 0
	var pending []string
	for _, id := range input {
		row, hit, err := deps.Cache.Check(ctx, id, sourceNS, targetNS)
		if err != nil {
			return Outcome{}, fmt.Errorf("cache check for %s: %w", id, err)
		}
		deps.Metrics.RecordCacheLookup(hit)
		if hit {
			cacheHits++
			results[id] = identifierValues(row.TargetIDs)
			continue
		}
		states[id] = &hopState{current: []string{id}}
		pending = append(pending, id)
	}

	clientConfig := step.MapParam(ParamClientConfig)
	for _, hop := range path.Steps {
		// Collect the union frontier for one batched call per hop.
		var frontier []string
		seen := make(map[string]struct{})
		for _, id := range pending {
			for _, v := range states[id].current {
				if _, ok := seen[v]; !ok {
					seen[v] = struct{}{}
					frontier = append(frontier, v)
				}
			}
		}
		if len(frontier) == 0 {
			break
		}

		client, err := deps.Clients.Client(hop.Resource, clientConfig, clients.GetOptions{})
		if err != nil {
			return Outcome{}, err
		}
		hopConfig := map[string]any{
			"from":      hop.From,
			"to":        hop.To,
			"transform": hop.Transform,
		}
		lookup, err := client.MapIdentifiers(ctx, frontier, hopConfig)
		deps.Metrics.RecordClientCall(hop.Resource, err)
		if err != nil {
			return Outcome{}, &datatypes.ClientError{Resource: hop.Resource, Err: err}
		}

		for _, id := range pending {
			state := states[id]
			var next []string
			hopConf := hop.HopConfidence()
			for _, v := range state.current {
				res := lookup[v]
				if res.Failed() || len(res.TargetIDs) == 0 {
					continue
				}
				next = append(next, res.TargetIDs...)
				if res.Confidence != 0 && res.Confidence < hopConf {
					// The client's own score tightens the configured hop
					// weight; confidence must not increase across hops.
					hopConf = res.Confidence
				}
			}
			state.current = dedupe(next)
			state.hops = append(state.hops, hopConf)
		}
	}

	// Store composed mappings and assemble output.
	var output []string
	outputSeen := make(map[string]struct{})
	unresolved := 0
	for _, id := range input {
		if targets, ok := results[id]; ok {
			// Cache hit path.
			if len(targets) == 0 {
				unresolved++
			}
			for _, t := range targets {
				if _, dup := outputSeen[t]; !dup {
					outputSeen[t] = struct{}{}
					output = append(output, t)
				}
			}
			continue
		}
		state := states[id]
		results[id] = state.current

		conf := deps.Cache.DerivedConfidence(state.hops)
		targets := make([]mapcache.Target, 0, len(state.current))
		for _, t := range state.current {
			targets = append(targets, mapcache.Target{ID: t, Confidence: conf})
		}
		if _, err := deps.Cache.Store(ctx, id, sourceNS, targetNS, targets, datatypes.ProvenanceDerived, 0); err != nil {
			return Outcome{}, fmt.Errorf("cache store for %s: %w", id, err)
		}

		if len(state.current) == 0 {
			unresolved++
			continue
		}
		for _, t := range state.current {
			if _, dup := outputSeen[t]; !dup {
				outputSeen[t] = struct{}{}
				output = append(output, t)
			}
		}
	}

	ec.Set(outputKey, output)
	ec.Set(step.Name+ResultsKeySuffix, results)

	return Outcome{
		OutputCount: len(output),
		Provenance: map[string]any{
			"path":       path.Name,
			"hops":       len(path.Steps),
			"reversed":   path.Reversed,
			"cache_hits": cacheHits,
			"unresolved": unresolved,
		},
	}, nil
}
