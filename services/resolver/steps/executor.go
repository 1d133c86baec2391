// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// Executor runs one strategy step end to end: resolves the action,
// times it, and produces exactly one StepResult per invocation.
//
// Thread Safety: safe for concurrent use; per-run state lives in the
// ExecutionContext, which each run owns exclusively.
type Executor struct {
	registry *Registry
	deps     Deps
}

// NewExecutor creates an executor over a registry and shared
// collaborators.
func NewExecutor(registry *Registry, deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Executor{registry: registry, deps: deps}
}

// Execute runs one step against the context.
//
// Outputs:
//
//	StepResult - Always populated; Status failed carries ErrorMessage.
//	error - Non-nil exactly when the result is failed. Wrapped as a
//	  MappingExecutionError with step name, index, and an input sample;
//	  the orchestrator decides propagation from the step's Required flag.
func (e *Executor) Execute(ctx context.Context, step datatypes.StrategyStep, stepIndex int, entityType datatypes.EntityType, ec *datatypes.ExecutionContext) (datatypes.StepResult, error) {
	inputKey := step.StringParam(ParamInputKey, datatypes.WorkingSetKey)
	input := ec.StringList(inputKey)

	result := datatypes.StepResult{
		StepName:   step.Name,
		ActionType: step.ActionType,
		InputCount: len(input),
	}

	action, ok := e.registry.Resolve(step.ActionType)
	if !ok {
		// ValidateStrategy catches this before any run; reaching it here
		// means the caller skipped validation.
		err := &datatypes.ValidationError{
			Field:  "action_type",
			Detail: "unknown action type " + step.ActionType,
		}
		return e.fail(result, step, stepIndex, input, time.Now(), err)
	}

	started := time.Now()
	outcome, err := action.Execute(ctx, step, entityType, ec, &e.deps)
	if err != nil {
		return e.fail(result, step, stepIndex, input, started, err)
	}

	result.Status = datatypes.StepSuccess
	result.OutputCount = outcome.OutputCount
	result.Provenance = outcome.Provenance
	result.Duration = time.Since(started)
	e.deps.Metrics.RecordStep(step.ActionType, string(result.Status), result.Duration)

	e.deps.Logger.Debug("step completed",
		slog.String("step", step.Name),
		slog.String("action", step.ActionType),
		slog.Int("input_count", result.InputCount),
		slog.Int("output_count", result.OutputCount),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *Executor) fail(result datatypes.StepResult, step datatypes.StrategyStep, stepIndex int, input []string, started time.Time, cause error) (datatypes.StepResult, error) {
	err := &datatypes.MappingExecutionError{
		StepName:    step.Name,
		StepIndex:   stepIndex,
		InputSample: datatypes.NewStepInputSample(input),
		Err:         cause,
	}
	result.Status = datatypes.StepFailed
	result.ErrorMessage = err.Error()
	result.Duration = time.Since(started)
	e.deps.Metrics.RecordStep(step.ActionType, string(result.Status), result.Duration)

	e.deps.Logger.Warn("step failed",
		slog.String("step", step.Name),
		slog.String("action", step.ActionType),
		slog.String("error", cause.Error()),
	)
	return result, err
}
