// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the resolver engine.
var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput indicates a nil or structurally invalid argument.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCacheMiss indicates no usable entry for the requested key.
	ErrCacheMiss = errors.New("cache miss")

	// ErrRunAborted indicates a run was cancelled between batches.
	ErrRunAborted = errors.New("run aborted")

	// ErrCheckpointVersion indicates an incompatible checkpoint snapshot.
	ErrCheckpointVersion = errors.New("incompatible checkpoint version")

	// ErrCheckpointChecksum indicates a corrupted checkpoint snapshot.
	ErrCheckpointChecksum = errors.New("checkpoint checksum mismatch")
)

// ConfigurationError reports an unknown namespace, strategy, or resource.
// Fatal: surfaced immediately, never retried.
type ConfigurationError struct {
	// Subject names what was looked up ("namespace", "strategy", "resource").
	Subject string

	// Value is the unknown key.
	Value string

	// Err is the underlying cause, if any.
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: unknown %s %q: %v", e.Subject, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration error: unknown %s %q", e.Subject, e.Value)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PathNotFoundError reports that no conversion route exists between two
// namespaces in either direction. For optional steps this is a data outcome;
// for required steps it aborts the run.
type PathNotFoundError struct {
	From       string
	To         string
	EntityType EntityType
}

func (e *PathNotFoundError) Error() string {
	return fmt.Sprintf("no mapping path from %q to %q for entity type %q", e.From, e.To, e.EntityType)
}

// MappingExecutionError wraps a failure raised while executing one strategy
// step, carrying enough context to identify the step and a sample of its
// input.
type MappingExecutionError struct {
	StepName    string
	StepIndex   int
	InputSample []string
	Err         error
}

func (e *MappingExecutionError) Error() string {
	sample := ""
	if len(e.InputSample) > 0 {
		sample = fmt.Sprintf(" (input sample: %s)", strings.Join(e.InputSample, ", "))
	}
	return fmt.Sprintf("step %q (index %d) failed%s: %v", e.StepName, e.StepIndex, sample, e.Err)
}

func (e *MappingExecutionError) Unwrap() error { return e.Err }

// ClientError reports a failed lookup for one identifier. Recorded
// per-identifier in step output; never aborts the batch.
type ClientError struct {
	Identifier string
	Resource   string
	Err        error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client %q failed for identifier %q: %v", e.Resource, e.Identifier, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ValidationError reports a malformed strategy or step parameter set.
// Fatal at strategy-load time, before any step runs.
type ValidationError struct {
	Strategy string
	Field    string
	Detail   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("strategy validation failed")
	if e.Strategy != "" {
		fmt.Fprintf(&b, " for %q", e.Strategy)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// NewStepInputSample truncates a step's input set for error reporting.
func NewStepInputSample(ids []string) []string {
	const max = 3
	if len(ids) <= max {
		return append([]string(nil), ids...)
	}
	return append([]string(nil), ids[:max]...)
}
