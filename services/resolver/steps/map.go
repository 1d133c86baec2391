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
	"github.com/crosswalk-bio/crosswalk/services/resolver/normalize"
)

// mapAction performs a direct client lookup: normalize, short-circuit
// through the mapping cache, batch the misses into one client call, and
// store fresh results back.
//
// Per-identifier failures never fail the step; they are recorded as
// "error:"-prefixed entries in the step's result bundle. The step fails
// only on whole-call errors (unknown client, transport down).
type mapAction struct{}

func (a *mapAction) Execute(ctx context.Context, step datatypes.StrategyStep, _ datatypes.EntityType, ec *datatypes.ExecutionContext, deps *Deps) (Outcome, error) {
	clientName := step.StringParam(ParamClient, "")
	if clientName == "" {
		return Outcome{}, &datatypes.ValidationError{
			Field:  ParamClient,
			Detail: "map step needs a client parameter",
		}
	}
	sourceNS := step.StringParam(ParamSourceNamespace, "")
	targetNS := step.StringParam(ParamTargetNamespace, "")
	if sourceNS == "" || targetNS == "" {
		return Outcome{}, &datatypes.ValidationError{
			Field:  ParamSourceNamespace,
			Detail: "map step needs source_namespace and target_namespace",
		}
	}

	inputKey := step.StringParam(ParamInputKey, datatypes.WorkingSetKey)
	outputKey := step.StringParam(ParamOutputKey, datatypes.WorkingSetKey)
	raws := ec.StringList(inputKey)

	// Normalization may expand one raw value into several components and
	// drop empties; results are keyed by the raw input value so callers
	// can trace every input to an outcome.
	results := make(map[string][]string, len(raws))
	meta := make(map[string]string)
	componentsByRaw := make(map[string][]string, len(raws))
	var pending []string
	pendingSeen := make(map[string]struct{})
	for _, raw := range raws {
		components, failure := normalizeInput(ctx, deps.Normalizer, raw, sourceNS)
		if len(components) == 0 {
			results[raw] = nil
			meta[raw] = failure
			continue
		}
		for _, c := range components {
			componentsByRaw[raw] = append(componentsByRaw[raw], c.Value)
			if _, ok := pendingSeen[c.Value]; !ok {
				pendingSeen[c.Value] = struct{}{}
				pending = append(pending, c.Value)
			}
		}
	}

	// Cache short-circuit per normalized component.
	targetsByComponent := make(map[string][]string, len(pending))
	cacheHits, cacheMisses := 0, 0
	var misses []string
	for _, id := range pending {
		row, hit, err := deps.Cache.Check(ctx, id, sourceNS, targetNS)
		if err != nil {
			return Outcome{}, fmt.Errorf("cache check for %s: %w", id, err)
		}
		deps.Metrics.RecordCacheLookup(hit)
		if hit {
			cacheHits++
			targetsByComponent[id] = identifierValues(row.TargetIDs)
			continue
		}
		cacheMisses++
		misses = append(misses, id)
	}

	// One batched call covers every miss.
	clientErrors := 0
	if len(misses) > 0 {
		clientConfig := step.MapParam(ParamClientConfig)
		bypass, _ := step.Parameters[ParamBypassCache].(bool)
		client, err := deps.Clients.Client(clientName, clientConfig, clients.GetOptions{Bypass: bypass})
		if err != nil {
			return Outcome{}, err
		}

		lookup, err := client.MapIdentifiers(ctx, misses, clientConfig)
		deps.Metrics.RecordClientCall(clientName, err)
		if err != nil {
			return Outcome{}, &datatypes.ClientError{Resource: clientName, Err: err}
		}

		for _, id := range misses {
			res := lookup[id]
			if res.Failed() {
				clientErrors++
				meta[id] = res.Metadata
				continue
			}
			targetsByComponent[id] = res.TargetIDs

			// Unresolved identifiers are stored as confirmed negatives so
			// the next run skips the client call.
			var targets []mapcache.Target
			for _, t := range res.TargetIDs {
				targets = append(targets, mapcache.Target{ID: t, Confidence: res.Confidence})
			}
			if _, err := deps.Cache.Store(ctx, id, sourceNS, targetNS, targets, datatypes.ProvenanceDirect, 0); err != nil {
				return Outcome{}, fmt.Errorf("cache store for %s: %w", id, err)
			}
		}
	}

	// Assemble per-raw results and the output working set, preserving
	// first-seen input order.
	var output []string
	outputSeen := make(map[string]struct{})
	unresolved := 0
	for _, raw := range raws {
		if _, bad := meta[raw]; bad && len(componentsByRaw[raw]) == 0 {
			continue
		}
		var combined []string
		for _, component := range componentsByRaw[raw] {
			if m, failed := meta[component]; failed {
				// Surface the component failure on the raw input too.
				if _, present := meta[raw]; !present {
					meta[raw] = m
				}
				continue
			}
			combined = append(combined, targetsByComponent[component]...)
		}
		combined = dedupe(combined)
		results[raw] = combined
		if len(combined) == 0 {
			unresolved++
			continue
		}
		for _, t := range combined {
			if _, ok := outputSeen[t]; !ok {
				outputSeen[t] = struct{}{}
				output = append(output, t)
			}
		}
	}

	ec.Set(outputKey, output)
	ec.Set(step.Name+ResultsKeySuffix, results)
	if len(meta) > 0 {
		ec.Set(step.Name+":errors", meta)
	}

	return Outcome{
		OutputCount: len(output),
		Provenance: map[string]any{
			"client":        clientName,
			"cache_hits":    cacheHits,
			"cache_misses":  cacheMisses,
			"client_errors": clientErrors,
			"unresolved":    unresolved,
		},
	}, nil
}

// normalizeInput expands one raw input into current identifier
// components. With a historical resolver configured, secondary and
// merged identifiers are rewritten to their primary forms before the
// lookup; without one, this is pure composite splitting. The second
// return value carries the per-identifier failure metadata when no
// component survives.
func normalizeInput(ctx context.Context, n *normalize.Normalizer, raw, namespace string) ([]datatypes.Identifier, string) {
	if !n.HasResolver() {
		components := n.Normalize(raw, namespace)
		if len(components) == 0 {
			return nil, normalize.ErrEmptyAfterPreprocess
		}
		return components, ""
	}

	res := n.ResolveComposite(ctx, raw, namespace)
	if len(res.CurrentIDs) == 0 {
		if res.Status == normalize.ErrEmptyAfterPreprocess {
			return nil, res.Status
		}
		return nil, "error:" + res.Status
	}
	return res.CurrentIDs, ""
}

func identifierValues(ids []datatypes.Identifier) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Value)
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
