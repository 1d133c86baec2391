// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package strategy implements the top-level run state machine: it walks
// a strategy's ordered steps against a run-owned execution context,
// enforcing required/optional semantics, empty-input short-circuits,
// checkpoint persistence, and progress reporting.
//
// State transitions: Pending → Running → {Completed, Failed, Aborted}.
// A required step's failure moves the run to Failed and stops
// execution; an optional step's failure is logged, its context changes
// are rolled back, and the run continues.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/observability"
	"github.com/crosswalk-bio/crosswalk/services/resolver/steps"
)

// InitialSetKey is the context key preserving the seed working set for
// result assembly and resume. Written once at run start; steps must not
// touch it.
const InitialSetKey = "initial_working_set"

// CheckpointStore persists run snapshots for resume. Implemented by the
// badger store; nil disables checkpointing.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *datatypes.Checkpoint) error
	LoadCheckpoint(ctx context.Context, runID string) (*datatypes.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, runID string) error
}

// ProgressFunc is invoked synchronously after each step. Observers are
// expected to be fast; a slow observer stalls the run.
type ProgressFunc func(stepIndex, totalSteps int, result datatypes.StepResult)

// Orchestrator executes strategy definitions.
//
// Thread Safety: safe for concurrent use; each run owns its execution
// context and step log.
type Orchestrator struct {
	executor    *steps.Executor
	registry    *steps.Registry
	checkpoints CheckpointStore
	observers   []ProgressFunc
	metrics     *observability.ResolverMetrics
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCheckpointStore enables checkpoint persistence after each step.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(o *Orchestrator) { o.checkpoints = store }
}

// WithObserver registers a progress observer.
func WithObserver(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithMetrics wires run and checkpoint metrics.
func WithMetrics(m *observability.ResolverMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the run logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator over a step executor and registry.
func New(executor *steps.Executor, registry *steps.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		executor: executor,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes a strategy from step zero against an initial identifier
// set.
//
// Outputs:
//
//	*RunResult - Always populated, including for Failed and Aborted runs.
//	error - The terminal error for Failed/Aborted runs; nil for Completed.
//	  Validation failures return a *ValidationError before any step runs.
func (o *Orchestrator) Run(ctx context.Context, def *datatypes.StrategyDefinition, initial []string) (*datatypes.RunResult, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}
	if err := o.registry.ValidateStrategy(def); err != nil {
		return nil, err
	}

	ec := datatypes.NewExecutionContext(initial)
	ec.Set(InitialSetKey, append([]string(nil), initial...))

	return o.execute(ctx, def, ec, uuid.NewString(), 0, nil)
}

// Resume continues an interrupted run from its persisted checkpoint.
// The stored snapshot's version and checksum were verified on load;
// execution picks up at the persisted cursor rather than step zero.
func (o *Orchestrator) Resume(ctx context.Context, def *datatypes.StrategyDefinition, runID string) (*datatypes.RunResult, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}
	if o.checkpoints == nil {
		return nil, &datatypes.ConfigurationError{Subject: "checkpoint store", Value: "unconfigured"}
	}
	if err := o.registry.ValidateStrategy(def); err != nil {
		return nil, err
	}

	cp, err := o.checkpoints.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.StrategyName != def.Name {
		return nil, &datatypes.ConfigurationError{
			Subject: "checkpoint strategy",
			Value:   cp.StrategyName,
		}
	}

	ec := datatypes.NewExecutionContext(nil)
	ec.Restore(cp.Context)

	o.logger.Info("resuming run from checkpoint",
		slog.String("run_id", runID),
		slog.String("strategy", def.Name),
		slog.Int("next_step_index", cp.NextStepIndex),
	)
	return o.execute(ctx, def, ec, runID, cp.NextStepIndex, cp.StepResults)
}

func (o *Orchestrator) execute(ctx context.Context, def *datatypes.StrategyDefinition, ec *datatypes.ExecutionContext, runID string, startIndex int, priorLog []datatypes.StepResult) (*datatypes.RunResult, error) {
	result := &datatypes.RunResult{
		Metadata: datatypes.RunMetadata{
			StrategyName: def.Name,
			RunID:        runID,
			StartedAt:    time.Now(),
		},
		Status:      datatypes.RunRunning,
		StepResults: append([]datatypes.StepResult(nil), priorLog...),
	}
	result.Statistics.InitialCount = len(ec.StringList(InitialSetKey))

	o.metrics.RunStarted()
	defer o.metrics.RunFinished()

	var terminalErr error
	total := len(def.Steps)

	for i := startIndex; i < total; i++ {
		// Cancellation is honored at step boundaries; an in-flight client
		// call finishes on its own timeout.
		if err := ctx.Err(); err != nil {
			result.Status = datatypes.RunAborted
			terminalErr = datatypes.ErrRunAborted
			break
		}

		step := def.Steps[i]
		inputKey := step.StringParam(steps.ParamInputKey, datatypes.WorkingSetKey)
		if len(ec.StringList(inputKey)) == 0 {
			// Short-circuit, not a failure: an empty input set has nothing
			// to process.
			skipped := datatypes.StepResult{
				StepName:   step.Name,
				ActionType: step.ActionType,
				Status:     datatypes.StepSkipped,
			}
			result.StepResults = append(result.StepResults, skipped)
			o.notify(i, total, skipped)
			o.checkpoint(ctx, def, ec, runID, i+1, result.StepResults)
			continue
		}

		var snapshot map[string]any
		if !step.IsRequired() {
			snapshot = ec.Snapshot()
		}

		stepResult, err := o.executor.Execute(ctx, step, i, def.EntityType, ec)
		result.StepResults = append(result.StepResults, stepResult)
		o.notify(i, total, stepResult)

		if err != nil {
			if step.IsRequired() {
				result.Status = datatypes.RunFailed
				terminalErr = err
				break
			}
			// Optional-step failures must not corrupt the working set:
			// restore the context exactly as the previous step left it.
			ec.Restore(snapshot)
			o.logger.Warn("optional step failed, continuing",
				slog.String("run_id", runID),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
		o.checkpoint(ctx, def, ec, runID, i+1, result.StepResults)
	}

	if result.Status == datatypes.RunRunning {
		result.Status = datatypes.RunCompleted
	}
	result.Metadata.FinishedAt = time.Now()
	if terminalErr != nil {
		result.Error = terminalErr.Error()
	}

	final := ec.WorkingSet()
	result.Statistics.FinalMappedCount = len(final)
	result.CountSteps()
	result.Results = assembleResults(def, ec, result.StepResults)

	o.metrics.RecordRun(def.Name, string(result.Status))
	o.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.String("strategy", def.Name),
		slog.String("status", string(result.Status)),
		slog.Int("initial_count", result.Statistics.InitialCount),
		slog.Int("final_mapped_count", result.Statistics.FinalMappedCount),
	)

	if result.Status == datatypes.RunCompleted && o.checkpoints != nil {
		if err := o.checkpoints.DeleteCheckpoint(ctx, runID); err != nil {
			o.logger.Warn("failed to delete checkpoint for completed run",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	return result, terminalErr
}

func (o *Orchestrator) notify(stepIndex, totalSteps int, result datatypes.StepResult) {
	for _, fn := range o.observers {
		fn(stepIndex, totalSteps, result)
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, def *datatypes.StrategyDefinition, ec *datatypes.ExecutionContext, runID string, nextStep int, log []datatypes.StepResult) {
	if o.checkpoints == nil {
		return
	}
	cp := &datatypes.Checkpoint{
		RunID:         runID,
		StrategyName:  def.Name,
		NextStepIndex: nextStep,
		Context:       ec.Snapshot(),
		StepResults:   append([]datatypes.StepResult(nil), log...),
	}
	err := cp.Seal()
	if err == nil {
		err = o.checkpoints.SaveCheckpoint(ctx, cp)
	}
	o.metrics.RecordCheckpointWrite(err)
	if err != nil {
		// A failed checkpoint degrades resume, not the run itself.
		o.logger.Warn("checkpoint write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

// assembleResults maps each initial identifier to its final resolved
// values by composing the per-step result bundles in execution order.
// Identifiers whose chain dead-ends map to nil.
func assembleResults(def *datatypes.StrategyDefinition, ec *datatypes.ExecutionContext, log []datatypes.StepResult) map[string][]string {
	initial := ec.StringList(InitialSetKey)
	frontier := make(map[string][]string, len(initial))
	for _, id := range initial {
		frontier[id] = []string{id}
	}

	executed := make(map[string]datatypes.StepStatus, len(log))
	for _, sr := range log {
		executed[sr.StepName] = sr.Status
	}

	for _, step := range def.Steps {
		if executed[step.Name] != datatypes.StepSuccess {
			continue
		}
		if bundle, ok := ec.Get(step.Name + steps.ResultsKeySuffix); ok {
			mapping := coerceBundle(bundle)
			if mapping == nil {
				continue
			}
			for id, current := range frontier {
				var next []string
				seen := make(map[string]struct{})
				for _, v := range current {
					for _, t := range mapping[v] {
						if _, dup := seen[t]; !dup {
							seen[t] = struct{}{}
							next = append(next, t)
						}
					}
				}
				frontier[id] = next
			}
			continue
		}
		if absentVal, ok := ec.Get(step.Name + steps.FilteredKeySuffix); ok {
			absent := make(map[string]struct{})
			for _, v := range coerceList(absentVal) {
				absent[v] = struct{}{}
			}
			for id, current := range frontier {
				var kept []string
				for _, v := range current {
					if _, dropped := absent[v]; !dropped {
						kept = append(kept, v)
					}
				}
				frontier[id] = kept
			}
		}
	}

	results := make(map[string][]string, len(initial))
	for _, id := range initial {
		targets := frontier[id]
		if len(targets) == 0 {
			results[id] = nil
			continue
		}
		results[id] = targets
	}
	return results
}

// coerceBundle reads a step result bundle that may have round-tripped
// through a JSON checkpoint as map[string]any of []any.
func coerceBundle(v any) map[string][]string {
	switch m := v.(type) {
	case map[string][]string:
		return m
	case map[string]any:
		out := make(map[string][]string, len(m))
		for k, raw := range m {
			out[k] = coerceList(raw)
		}
		return out
	default:
		return nil
	}
}

// coerceList reads a string list that may have round-tripped through a
// JSON checkpoint as []any.
func coerceList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
