// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// FilteredKeySuffix names the context key holding identifiers a filter
// step dropped: "<step name>:filtered".
const FilteredKeySuffix = ":filtered"

// filterAction partitions the working set by presence in a reference
// collection. Only present identifiers move forward; absent ones are
// recorded under the step's filtered key for observability, never
// silently discarded.
//
// The reference collection comes from a context key (reference_key,
// typically another step's output) or an inline reference_set
// parameter.
type filterAction struct{}

func (a *filterAction) Execute(ctx context.Context, step datatypes.StrategyStep, _ datatypes.EntityType, ec *datatypes.ExecutionContext, deps *Deps) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	reference, err := referenceSet(step, ec)
	if err != nil {
		return Outcome{}, err
	}

	inputKey := step.StringParam(ParamInputKey, datatypes.WorkingSetKey)
	outputKey := step.StringParam(ParamOutputKey, datatypes.WorkingSetKey)
	input := ec.StringList(inputKey)

	var present, absent []string
	for _, id := range input {
		if _, ok := reference[id]; ok {
			present = append(present, id)
		} else {
			absent = append(absent, id)
		}
	}

	ec.Set(outputKey, present)
	ec.Set(step.Name+FilteredKeySuffix, absent)
	deps.Metrics.RecordFiltered(step.Name, len(absent))

	return Outcome{
		OutputCount: len(present),
		Provenance: map[string]any{
			"reference_size": len(reference),
			"filtered_out":   len(absent),
		},
	}, nil
}

func referenceSet(step datatypes.StrategyStep, ec *datatypes.ExecutionContext) (map[string]struct{}, error) {
	if key := step.StringParam(ParamReferenceKey, ""); key != "" {
		set := make(map[string]struct{})
		for _, v := range ec.StringList(key) {
			set[v] = struct{}{}
		}
		return set, nil
	}

	raw, ok := step.Parameters[ParamReferenceSet]
	if !ok {
		return nil, &datatypes.ValidationError{
			Field:  ParamReferenceKey,
			Detail: "filter step needs reference_key or reference_set",
		}
	}
	set := make(map[string]struct{})
	switch list := raw.(type) {
	case []string:
		for _, v := range list {
			set[v] = struct{}{}
		}
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				set[s] = struct{}{}
			}
		}
	default:
		return nil, &datatypes.ValidationError{
			Field:  ParamReferenceSet,
			Detail: "reference_set must be a list of identifiers",
		}
	}
	return set, nil
}
