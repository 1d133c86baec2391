// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the shared data model for the resolver engine:
// identifiers, mapping paths, cache rows, strategy definitions, and run
// results. Types here are plain values with no I/O; behavior lives in the
// engine packages that consume them.
package datatypes

import "fmt"

// EntityType classifies the biological entity an identifier refers to.
type EntityType string

const (
	// EntityProtein covers protein accession systems.
	EntityProtein EntityType = "protein"

	// EntityGene covers gene identifier systems.
	EntityGene EntityType = "gene"

	// EntityMetabolite covers small-molecule identifier systems.
	EntityMetabolite EntityType = "metabolite"
)

// Identifier is an opaque accession string tagged with the namespace it
// belongs to.
//
// Identifiers are immutable values. Two identifiers are the same entity
// reference exactly when both Value and Namespace are equal; there is no
// identity beyond that.
type Identifier struct {
	// Value is the raw accession string (e.g., "P12345").
	Value string `json:"value"`

	// Namespace is the identifier system the value belongs to
	// (e.g., "uniprot", "ensembl", "hmdb").
	Namespace string `json:"namespace"`
}

// String returns "namespace:value" for logs and error messages.
func (i Identifier) String() string {
	return fmt.Sprintf("%s:%s", i.Namespace, i.Value)
}

// DedupeIdentifiers removes duplicate identifiers while preserving the
// first-seen order of the input slice.
func DedupeIdentifiers(ids []Identifier) []Identifier {
	seen := make(map[Identifier]struct{}, len(ids))
	out := make([]Identifier, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
