// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package clients defines the MappingClient capability boundary and a
// process-wide registry of initialized client instances.
//
// Concrete clients (external registry lookups, reference-file tables,
// API wrappers) live behind the MappingClient interface. The engine
// never retries or aborts a whole batch for a single identifier: per-
// identifier failures travel inside the result map, not as errors.
package clients

import (
	"context"
	"strings"
)

// ErrorMetadataPrefix marks a per-identifier lookup failure. A Result
// whose Metadata starts with this prefix carries no usable targets.
const ErrorMetadataPrefix = "error:"

// Result is the outcome of one identifier's lookup.
type Result struct {
	// TargetIDs are the resolved identifiers. Nil means unresolved.
	TargetIDs []string

	// Metadata carries client-specific detail. A value prefixed
	// "error:" marks a per-identifier failure.
	Metadata string

	// Confidence is the client-reported score in (0,1]. Zero means the
	// client reported none and is treated as 1.0 downstream.
	Confidence float64
}

// Failed reports whether this result is a per-identifier failure.
func (r Result) Failed() bool {
	return strings.HasPrefix(r.Metadata, ErrorMetadataPrefix)
}

// FailureResult builds a per-identifier failure result.
func FailureResult(detail string) Result {
	return Result{Metadata: ErrorMetadataPrefix + detail}
}

// MappingClient is the capability invoked by mapping steps.
//
// Contract:
//   - Safe to call with an empty id list; returns an empty map.
//   - Per-identifier failures are reported inside the map via an
//     "error:"-prefixed Metadata value, never by failing the batch.
//   - The returned error is reserved for whole-call failures (transport
//     down, malformed config) and is wrapped by the caller as a
//     ClientError.
//
// Implementations must be safe for concurrent use: one instance is
// shared across concurrently running strategies.
type MappingClient interface {
	MapIdentifiers(ctx context.Context, ids []string, config map[string]any) (map[string]Result, error)
}
