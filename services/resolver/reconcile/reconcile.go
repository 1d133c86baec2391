// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reconcile merges independently computed forward (A→B) and
// reverse (B→A) mapping results into one confidence-tiered relation.
//
// Reconcile is a pure function: no I/O, no mutation of its inputs, and
// deterministic output order for identical inputs.
package reconcile

import (
	"sort"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// DefaultUnconfirmedPenalty discounts pairs seen in only one direction.
const DefaultUnconfirmedPenalty = 0.5

// Entry is one identifier's lookup outcome in a single direction.
type Entry struct {
	// Targets are the identifiers this key mapped to.
	Targets []string

	// Confidence is the direction's score for every pair this entry
	// produces. Zero means unreported and is treated as 1.0.
	Confidence float64
}

// DirectionalResult maps each looked-up identifier to its outcome.
// For the forward direction keys are source identifiers; for the
// reverse direction keys are target identifiers.
type DirectionalResult map[string]Entry

// Options tunes reconciliation.
type Options struct {
	// UnconfirmedPenalty multiplies the confidence of pairs observed in
	// only one direction. Must be in (0,1]; zero selects the default.
	UnconfirmedPenalty float64
}

type pair struct {
	source string
	target string
}

// Reconcile classifies every (source, target) pair present in either
// direction.
//
// Classification:
//   - bidirectional: the pair appears in both directions. Confidence is
//     the higher of the two, capped at 1.0.
//   - forward_only / reverse_only: the pair appears in one direction.
//     Confidence is that direction's score times UnconfirmedPenalty.
//
// Exactly one ReconciledMapping is produced per distinct pair. Output
// is sorted by source then target identifier.
func Reconcile(forward, reverse DirectionalResult, opts Options) []datatypes.ReconciledMapping {
	penalty := opts.UnconfirmedPenalty
	if penalty == 0 {
		penalty = DefaultUnconfirmedPenalty
	}

	forwardConf := make(map[pair]float64)
	for source, entry := range forward {
		conf := effectiveConfidence(entry.Confidence)
		for _, target := range entry.Targets {
			p := pair{source: source, target: target}
			if existing, ok := forwardConf[p]; !ok || conf > existing {
				forwardConf[p] = conf
			}
		}
	}

	reverseConf := make(map[pair]float64)
	for target, entry := range reverse {
		conf := effectiveConfidence(entry.Confidence)
		for _, source := range entry.Targets {
			p := pair{source: source, target: target}
			if existing, ok := reverseConf[p]; !ok || conf > existing {
				reverseConf[p] = conf
			}
		}
	}

	out := make([]datatypes.ReconciledMapping, 0, len(forwardConf)+len(reverseConf))
	for p, fconf := range forwardConf {
		if rconf, ok := reverseConf[p]; ok {
			conf := fconf
			if rconf > conf {
				conf = rconf
			}
			if conf > 1.0 {
				conf = 1.0
			}
			out = append(out, datatypes.ReconciledMapping{
				SourceID:   p.source,
				TargetID:   p.target,
				Direction:  datatypes.DirectionBidirectional,
				Confidence: conf,
			})
			continue
		}
		out = append(out, datatypes.ReconciledMapping{
			SourceID:   p.source,
			TargetID:   p.target,
			Direction:  datatypes.DirectionForwardOnly,
			Confidence: fconf * penalty,
		})
	}
	for p, rconf := range reverseConf {
		if _, ok := forwardConf[p]; ok {
			continue
		}
		out = append(out, datatypes.ReconciledMapping{
			SourceID:   p.source,
			TargetID:   p.target,
			Direction:  datatypes.DirectionReverseOnly,
			Confidence: rconf * penalty,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out
}

// effectiveConfidence treats an unreported score as full confidence.
func effectiveConfidence(c float64) float64 {
	if c == 0 {
		return 1.0
	}
	return c
}
