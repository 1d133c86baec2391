// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// MappingStep references one lookup resource and the namespace pair it
// converts between.
type MappingStep struct {
	// Resource is the MappingClient capability name (registry key).
	Resource string `json:"resource" yaml:"resource" validate:"required"`

	// From is the input namespace.
	From string `json:"from" yaml:"from" validate:"required"`

	// To is the output namespace.
	To string `json:"to" yaml:"to" validate:"required"`

	// Transform is an optional named transform applied to outputs.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`

	// Confidence is the weight this hop contributes to a derived mapping.
	// Zero means unspecified and is treated as 1.0.
	Confidence float64 `json:"confidence,omitempty" yaml:"confidence,omitempty" validate:"gte=0,lte=1"`
}

// HopConfidence returns the effective confidence of the step.
func (s MappingStep) HopConfidence() float64 {
	if s.Confidence == 0 {
		return 1.0
	}
	return s.Confidence
}

// MappingPath is an ordered sequence of conversion steps connecting a source
// namespace to a target namespace within one entity type.
//
// Paths are created by configuration loading and consumed read-only by the
// path finder. Lower Priority wins on tie; fewer hops break remaining ties.
type MappingPath struct {
	// Name identifies the path in configuration and logs.
	Name string `json:"name" yaml:"name" validate:"required"`

	// EntityType scopes the path to one entity type.
	EntityType EntityType `json:"entity_type" yaml:"entity_type" validate:"required"`

	// From is the source namespace.
	From string `json:"from" yaml:"from" validate:"required"`

	// To is the target namespace.
	To string `json:"to" yaml:"to" validate:"required"`

	// Priority orders candidate paths; lower values are preferred.
	Priority int `json:"priority" yaml:"priority"`

	// Steps is the ordered hop list. Must be non-empty.
	Steps []MappingStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`

	// Reversed marks a path synthesized by running a registered
	// reverse-direction path backward.
	Reversed bool `json:"reversed,omitempty" yaml:"-"`
}

// Provenance records how a cached mapping was produced.
type Provenance string

const (
	// ProvenanceDirect marks a single-hop client lookup.
	ProvenanceDirect Provenance = "direct"

	// ProvenanceCached marks a result served from the mapping cache.
	ProvenanceCached Provenance = "cached"

	// ProvenanceDerived marks a multi-hop conversion composed from
	// intermediate lookups.
	ProvenanceDerived Provenance = "derived"
)

// EntityMapping is one cache row: the resolved targets for a single source
// identifier toward one target namespace.
//
// One source identifier may map to zero, one, or many target identifiers;
// the one-to-many shape is preserved, never collapsed.
type EntityMapping struct {
	SourceNamespace string `json:"source_namespace"`
	SourceID        string `json:"source_id"`
	TargetNamespace string `json:"target_namespace"`

	// TargetIDs are the resolved identifiers. Empty means a confirmed
	// negative result (the source is known to have no mapping).
	TargetIDs []Identifier `json:"target_ids"`

	// Confidence is in [0,1]. Derived mappings carry the product of their
	// hop confidences; confidence never increases across derivation hops.
	Confidence float64 `json:"confidence"`

	// Source records how the mapping was produced.
	Source Provenance `json:"source"`

	// CreatedAt is when the row was stored.
	CreatedAt time.Time `json:"created_at"`

	// TTL bounds the row's lifetime. Zero means the cache default applies.
	TTL time.Duration `json:"ttl"`
}

// Expired reports whether the row is past its TTL at the given instant.
// A zero TTL never expires here; the cache applies its default before
// storing, so zero only occurs for rows written by tests.
func (m *EntityMapping) Expired(now time.Time) bool {
	if m.TTL == 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// Direction classifies a reconciled pair by which mapping directions
// confirmed it.
type Direction string

const (
	// DirectionBidirectional means forward and reverse lookups agree.
	DirectionBidirectional Direction = "bidirectional"

	// DirectionForwardOnly means only the forward lookup produced the pair.
	DirectionForwardOnly Direction = "forward_only"

	// DirectionReverseOnly means only the reverse lookup produced the pair.
	DirectionReverseOnly Direction = "reverse_only"
)

// ReconciledMapping is one confidence-qualified (source, target) relation
// produced by bidirectional reconciliation. Derived, never persisted by the
// engine.
type ReconciledMapping struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
}
