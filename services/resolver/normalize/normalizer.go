// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalize splits composite identifiers and resolves historical
// (secondary, merged, obsolete) identifiers to their current primary forms.
//
// Normalization is pure string processing; historical resolution calls a
// pluggable HistoricalResolver collaborator. Resolution failures are data
// outcomes carried in the returned status, not errors.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crosswalk-bio/crosswalk/pkg/validation"
	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// DefaultDelimiters is the priority-ordered delimiter set used when a step
// does not configure its own. Comma outranks underscore: a string carrying
// both splits on commas only, and underscores survive inside components.
var DefaultDelimiters = []string{",", ";", "_"}

// Status classifies the outcome of historical resolution for one identifier.
type Status string

const (
	// StatusPrimary means the identifier is already current.
	StatusPrimary Status = "primary"

	// StatusSecondary means the identifier was superseded by one primary.
	StatusSecondary Status = "secondary"

	// StatusDemerged means the identifier split into several primaries.
	StatusDemerged Status = "demerged"

	// StatusObsolete means the backing resolver found no match.
	StatusObsolete Status = "obsolete"

	// StatusUnresolved means the backing resolver failed to answer.
	StatusUnresolved Status = "unresolved"

	// StatusInvalid means the input failed syntax validation before the
	// resolver was consulted. Kept distinct from StatusObsolete so genuine
	// input errors are not masked as not-found outcomes.
	StatusInvalid Status = "invalid"
)

// ErrEmptyAfterPreprocess is the metadata value reported for inputs that
// normalize to an empty component list.
const ErrEmptyAfterPreprocess = "error:empty_after_preprocess"

// HistoricalResolver looks up the current primary identifier(s) for a
// possibly historical identifier. External collaborator.
type HistoricalResolver interface {
	// Resolve returns the current identifiers for id within namespace and
	// a status describing the relationship. A not-found outcome is
	// (nil, StatusObsolete, nil); err is reserved for lookup failures.
	Resolve(ctx context.Context, id, namespace string) ([]string, Status, error)
}

// Resolution is the outcome of resolving one raw (possibly composite)
// identifier.
type Resolution struct {
	// CurrentIDs is the union of resolved primary identifiers,
	// deduplicated in first-seen order.
	CurrentIDs []datatypes.Identifier

	// Status summarizes the outcome. For composites it is the aggregate
	// string "composite:resolved|id1:primary|id2:secondary".
	Status string
}

// Normalizer splits composite identifiers and resolves historical ones.
//
// Thread Safety: safe for concurrent use; all fields are set at
// construction and never mutated.
type Normalizer struct {
	delimiters []string
	resolver   HistoricalResolver
	logger     *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDelimiters overrides the priority-ordered delimiter set.
func WithDelimiters(delims []string) Option {
	return func(n *Normalizer) {
		if len(delims) > 0 {
			n.delimiters = delims
		}
	}
}

// WithResolver sets the historical resolver collaborator.
func WithResolver(r HistoricalResolver) Option {
	return func(n *Normalizer) { n.resolver = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a Normalizer with the default delimiter set.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		delimiters: DefaultDelimiters,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SplitComposite splits a raw field into identifier components.
//
// The delimiter set is scanned in priority order; the first delimiter type
// found in the string wins at each level. Components that still contain a
// lower-priority delimiter are split again, so "P12345,Q14213_Q8NEV9" with
// delimiters [",", "_"] decomposes fully into three components. Components
// are whitespace-trimmed, empties dropped, duplicates removed preserving
// first-seen order.
//
// An input that is empty or contains only delimiter/whitespace characters
// yields an empty slice; callers report that as ErrEmptyAfterPreprocess
// rather than silently skipping the input.
func SplitComposite(raw string, delimiters []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	splitInto(raw, delimiters, seen, &out)
	return out
}

func splitInto(raw string, delimiters []string, seen map[string]struct{}, out *[]string) {
	for i, d := range delimiters {
		if strings.Contains(raw, d) {
			for _, part := range strings.Split(raw, d) {
				// A component may itself be composite on a
				// lower-priority delimiter.
				splitInto(part, delimiters[i+1:], seen, out)
			}
			return
		}
	}

	component := strings.TrimSpace(raw)
	if component == "" {
		return
	}
	if _, dup := seen[component]; dup {
		return
	}
	seen[component] = struct{}{}
	*out = append(*out, component)
}

// HasResolver reports whether a historical resolver collaborator is
// configured.
func (n *Normalizer) HasResolver() bool {
	return n.resolver != nil
}

// Normalize splits raw into components and tags each with namespace.
func (n *Normalizer) Normalize(raw, namespace string) []datatypes.Identifier {
	components := SplitComposite(raw, n.delimiters)
	ids := make([]datatypes.Identifier, 0, len(components))
	for _, c := range components {
		ids = append(ids, datatypes.Identifier{Value: c, Namespace: namespace})
	}
	return ids
}

// ResolveHistorical resolves one non-composite identifier to its current
// primary form(s).
//
// Resolution is idempotent: a current identifier returns itself with
// StatusPrimary. Syntactically invalid input returns StatusInvalid without
// consulting the resolver. A resolver lookup failure returns
// StatusUnresolved; not-found is StatusObsolete. None of these are errors.
func (n *Normalizer) ResolveHistorical(ctx context.Context, id, namespace string) ([]datatypes.Identifier, Status) {
	if err := validation.ValidateIdentifier(id); err != nil {
		return nil, StatusInvalid
	}

	if n.resolver == nil {
		// No resolver configured: every well-formed identifier is taken
		// as already current.
		return []datatypes.Identifier{{Value: id, Namespace: namespace}}, StatusPrimary
	}

	current, status, err := n.resolver.Resolve(ctx, id, namespace)
	if err != nil {
		n.logger.Warn("historical resolution failed",
			slog.String("identifier", id),
			slog.String("namespace", namespace),
			slog.String("error", err.Error()),
		)
		return nil, StatusUnresolved
	}
	if status == StatusObsolete || len(current) == 0 {
		return nil, StatusObsolete
	}

	ids := make([]datatypes.Identifier, 0, len(current))
	for _, c := range current {
		ids = append(ids, datatypes.Identifier{Value: c, Namespace: namespace})
	}
	return datatypes.DedupeIdentifiers(ids), status
}

// ResolveComposite splits raw, resolves each component independently, and
// unions the results.
//
// The returned Resolution.Status summarizes every component, for example
// "composite:resolved|P12345:primary|Q14213:secondary". A single-component
// input carries just that component's status. An input with no components
// reports ErrEmptyAfterPreprocess.
func (n *Normalizer) ResolveComposite(ctx context.Context, raw, namespace string) Resolution {
	components := SplitComposite(raw, n.delimiters)
	if len(components) == 0 {
		return Resolution{Status: ErrEmptyAfterPreprocess}
	}

	if len(components) == 1 {
		ids, status := n.ResolveHistorical(ctx, components[0], namespace)
		return Resolution{CurrentIDs: ids, Status: string(status)}
	}

	var union []datatypes.Identifier
	statuses := make([]string, 0, len(components)+1)
	resolved := true
	for _, c := range components {
		ids, status := n.ResolveHistorical(ctx, c, namespace)
		union = append(union, ids...)
		statuses = append(statuses, fmt.Sprintf("%s:%s", c, status))
		if len(ids) == 0 {
			resolved = false
		}
	}

	head := "composite:resolved"
	if !resolved {
		head = "composite:partial"
		if len(union) == 0 {
			head = "composite:unresolved"
		}
	}

	return Resolution{
		CurrentIDs: datatypes.DedupeIdentifiers(union),
		Status:     head + "|" + strings.Join(statuses, "|"),
	}
}
