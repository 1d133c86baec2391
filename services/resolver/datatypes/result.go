// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"
)

// StepStatus is the outcome of one strategy step.
type StepStatus string

const (
	// StepSuccess means the step executed and produced output.
	StepSuccess StepStatus = "success"

	// StepFailed means the step executed and raised an error.
	StepFailed StepStatus = "failed"

	// StepSkipped means the step was short-circuited on empty input and
	// never executed.
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of one step invocation. Appended to the
// run-scoped ordered log and never mutated afterward.
type StepResult struct {
	// StepName is the step's configured name.
	StepName string `json:"step_name"`

	// ActionType is the resolved action registry key.
	ActionType string `json:"action_type"`

	// Status is the step outcome.
	Status StepStatus `json:"status"`

	// InputCount is the size of the input identifier set.
	InputCount int `json:"input_count"`

	// OutputCount is the size of the produced output set.
	OutputCount int `json:"output_count"`

	// ErrorMessage is set when Status is StepFailed.
	ErrorMessage string `json:"error_message,omitempty"`

	// Provenance carries structured execution details (cache hits, client
	// calls, filtered counts). Keys are action-specific.
	Provenance map[string]any `json:"provenance,omitempty"`

	// Duration is the wall-clock execution time.
	Duration time.Duration `json:"duration"`
}

// RunStatus is the terminal (or in-flight) state of a strategy run.
type RunStatus string

const (
	// RunPending means the run has not started.
	RunPending RunStatus = "pending"

	// RunRunning means steps are executing.
	RunRunning RunStatus = "running"

	// RunCompleted means every step finished with success or skipped, or
	// failed while optional.
	RunCompleted RunStatus = "completed"

	// RunFailed means a required step failed and execution stopped.
	RunFailed RunStatus = "failed"

	// RunAborted means the run was cancelled between batches or steps.
	RunAborted RunStatus = "aborted"
)

// RunMetadata identifies one strategy run.
type RunMetadata struct {
	StrategyName string    `json:"strategy_name"`
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// RunStatistics aggregates counts across one run.
type RunStatistics struct {
	// InitialCount is the seed working-set size.
	InitialCount int `json:"initial_count"`

	// FinalMappedCount is the final working-set size.
	FinalMappedCount int `json:"final_mapped_count"`

	// StepsByStatus counts steps per terminal status.
	StepsByStatus map[StepStatus]int `json:"steps_by_status"`
}

// RunResult is the structured output of one strategy run, returned to any
// caller: API layer, CLI, or tests.
type RunResult struct {
	Metadata   RunMetadata   `json:"metadata"`
	Status     RunStatus     `json:"status"`
	Statistics RunStatistics `json:"statistics"`

	// StepResults is the ordered step log.
	StepResults []StepResult `json:"step_results"`

	// Results maps each initial source identifier to its final resolved
	// values; nil marks identifiers that did not resolve.
	Results map[string][]string `json:"results"`

	// Error is the terminal error message when Status is RunFailed or
	// RunAborted.
	Error string `json:"error,omitempty"`
}

// CountSteps recomputes StepsByStatus from the step log.
func (r *RunResult) CountSteps() {
	counts := make(map[StepStatus]int, 3)
	for _, sr := range r.StepResults {
		counts[sr.Status]++
	}
	r.Statistics.StepsByStatus = counts
}
