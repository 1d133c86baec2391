// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package batch partitions large identifier sets into bounded-size
// batches and runs them through the orchestrator with a configurable
// concurrency ceiling, merging partial results deterministically by
// original input order.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/observability"
	"github.com/crosswalk-bio/crosswalk/services/resolver/strategy"
)

// Context keys the controller persists inside batched-run checkpoints.
const (
	batchSizeKey = "batch_size"
	resultsKey   = "batch_results"
)

// Options tunes batched execution.
type Options struct {
	// BatchSize is the maximum identifiers per batch.
	BatchSize int

	// MaxConcurrent is the concurrency ceiling for in-flight batches.
	MaxConcurrent int

	// BatchTimeout bounds one batch's wall-clock time. On expiry the
	// affected batch is marked failed; the run itself continues. Zero
	// disables the bound.
	BatchTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:     500,
		MaxConcurrent: 4,
	}
}

// Runner executes one strategy against one identifier set. Satisfied by
// the orchestrator.
type Runner interface {
	Run(ctx context.Context, def *datatypes.StrategyDefinition, initial []string) (*datatypes.RunResult, error)
}

// Controller fans a large input set out over bounded concurrent batch
// runs.
//
// Thread Safety: safe for concurrent use; per-run state is local to
// each Run call.
type Controller struct {
	runner      Runner
	checkpoints strategy.CheckpointStore
	opts        Options
	metrics     *observability.ResolverMetrics
	logger      *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithCheckpointStore enables batch-granularity checkpointing.
func WithCheckpointStore(store strategy.CheckpointStore) Option {
	return func(c *Controller) { c.checkpoints = store }
}

// WithMetrics wires checkpoint metrics.
func WithMetrics(m *observability.ResolverMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates a controller over a runner.
func New(runner Runner, opts Options, copts ...Option) *Controller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	c := &Controller{runner: runner, opts: opts, logger: slog.Default()}
	for _, o := range copts {
		o(c)
	}
	return c
}

// batchOutcome is one batch's terminal state, merged in index order.
type batchOutcome struct {
	result *datatypes.RunResult
	err    error
}

// Run partitions initial into batches and executes them concurrently.
//
// Guarantees:
//   - Batch outputs merge by original input order, regardless of
//     completion order.
//   - Cancellation between batches stops scheduling and marks the run
//     Aborted; in-flight batches finish on their own.
//   - A batch exceeding BatchTimeout is marked failed without crashing
//     the run; remaining batches still execute.
func (c *Controller) Run(ctx context.Context, def *datatypes.StrategyDefinition, initial []string) (*datatypes.RunResult, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}
	return c.run(ctx, def, initial, uuid.NewString(), 0, nil, nil)
}

// Resume continues a batched run from its last contiguous completed
// batch. Batches after the persisted cursor re-execute; results from
// batches before it come from the checkpoint.
func (c *Controller) Resume(ctx context.Context, def *datatypes.StrategyDefinition, runID string) (*datatypes.RunResult, error) {
	if ctx == nil {
		return nil, datatypes.ErrNilContext
	}
	if c.checkpoints == nil {
		return nil, &datatypes.ConfigurationError{Subject: "checkpoint store", Value: "unconfigured"}
	}

	cp, err := c.checkpoints.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp.StrategyName != def.Name {
		return nil, &datatypes.ConfigurationError{Subject: "checkpoint strategy", Value: cp.StrategyName}
	}

	ec := datatypes.NewExecutionContext(nil)
	ec.Restore(cp.Context)
	initial := ec.StringList(strategy.InitialSetKey)
	if size := intFromContext(cp.Context[batchSizeKey]); size > 0 && size != c.opts.BatchSize {
		return nil, &datatypes.ConfigurationError{
			Subject: "batch size",
			Value:   fmt.Sprintf("checkpoint used %d, controller configured %d", size, c.opts.BatchSize),
		}
	}
	prior := coerceResults(cp.Context[resultsKey])

	c.logger.Info("resuming batched run",
		slog.String("run_id", runID),
		slog.Int("batch_cursor", cp.BatchCursor),
		slog.Int("total_identifiers", len(initial)),
	)
	return c.run(ctx, def, initial, runID, cp.BatchCursor, prior, cp.StepResults)
}

func (c *Controller) run(ctx context.Context, def *datatypes.StrategyDefinition, initial []string, runID string, startBatch int, priorResults map[string][]string, priorLog []datatypes.StepResult) (*datatypes.RunResult, error) {
	batches := partition(initial, c.opts.BatchSize)
	total := len(batches)

	result := &datatypes.RunResult{
		Metadata: datatypes.RunMetadata{
			StrategyName: def.Name,
			RunID:        runID,
			StartedAt:    time.Now(),
		},
		Statistics: datatypes.RunStatistics{InitialCount: len(initial)},
		Results:    make(map[string][]string, len(initial)),
	}
	for id, targets := range priorResults {
		result.Results[id] = targets
	}
	result.StepResults = append(result.StepResults, priorLog...)

	outcomes := make([]batchOutcome, total)
	completed := make([]bool, total)
	var mu sync.Mutex
	cursor := startBatch

	sem := NewSemaphore(c.opts.MaxConcurrent)
	var wg sync.WaitGroup
	aborted := false

	for i := startBatch; i < total; i++ {
		// The batch boundary is the cancellation point: no further
		// batches are scheduled once the context ends.
		if ctx.Err() != nil {
			aborted = true
			break
		}
		if err := sem.Acquire(ctx); err != nil {
			aborted = true
			break
		}

		wg.Add(1)
		go func(index int, ids []string) {
			defer wg.Done()
			defer sem.Release()

			bctx := ctx
			var cancel context.CancelFunc
			if c.opts.BatchTimeout > 0 {
				bctx, cancel = context.WithTimeout(ctx, c.opts.BatchTimeout)
				defer cancel()
			}

			res, err := c.runner.Run(bctx, def, ids)

			mu.Lock()
			outcomes[index] = batchOutcome{result: res, err: err}
			// Only successful batches join the resumable prefix; a
			// failed batch pins the cursor so resume re-runs it.
			completed[index] = err == nil && res != nil && res.Status == datatypes.RunCompleted
			// Advance the contiguous-prefix cursor and checkpoint it so
			// resume never re-runs a fully merged prefix.
			for cursor < total && completed[cursor] {
				cursor++
			}
			snapshot := cursor
			mu.Unlock()

			c.saveCheckpoint(ctx, def, runID, initial, snapshot, outcomes)
		}(i, batches[i])
	}
	wg.Wait()

	// Merge in batch index order for deterministic output.
	failedBatches := []int{}
	merged := 0
	for i := startBatch; i < total; i++ {
		oc := outcomes[i]
		if oc.result == nil {
			continue
		}
		merged++
		result.StepResults = append(result.StepResults, oc.result.StepResults...)
		for id, targets := range oc.result.Results {
			result.Results[id] = targets
		}
		if oc.err != nil || oc.result.Status != datatypes.RunCompleted {
			failedBatches = append(failedBatches, i)
		}
	}
	for _, targets := range result.Results {
		if len(targets) > 0 {
			result.Statistics.FinalMappedCount++
		}
	}
	result.CountSteps()
	result.Metadata.FinishedAt = time.Now()

	var terminalErr error
	switch {
	case aborted:
		result.Status = datatypes.RunAborted
		terminalErr = datatypes.ErrRunAborted
	case len(failedBatches) > 0:
		result.Status = datatypes.RunFailed
		terminalErr = fmt.Errorf("%d of %d batches failed (batch indexes %s)",
			len(failedBatches), total, joinInts(failedBatches))
	default:
		result.Status = datatypes.RunCompleted
	}
	if terminalErr != nil {
		result.Error = terminalErr.Error()
	}

	c.logger.Info("batched run finished",
		slog.String("run_id", runID),
		slog.String("status", string(result.Status)),
		slog.Int("batches", total),
		slog.Int("batches_run", merged),
	)

	if result.Status == datatypes.RunCompleted && c.checkpoints != nil {
		if err := c.checkpoints.DeleteCheckpoint(ctx, runID); err != nil {
			c.logger.Warn("failed to delete checkpoint for completed run",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
		}
	}
	return result, terminalErr
}

// saveCheckpoint persists the contiguous completed prefix: its cursor,
// merged results, and step log.
func (c *Controller) saveCheckpoint(ctx context.Context, def *datatypes.StrategyDefinition, runID string, initial []string, cursor int, outcomes []batchOutcome) {
	if c.checkpoints == nil {
		return
	}

	merged := make(map[string][]string)
	var log []datatypes.StepResult
	for i := 0; i < cursor; i++ {
		oc := outcomes[i]
		if oc.result == nil {
			continue
		}
		for id, targets := range oc.result.Results {
			merged[id] = targets
		}
		log = append(log, oc.result.StepResults...)
	}

	cp := &datatypes.Checkpoint{
		RunID:        runID,
		StrategyName: def.Name,
		BatchCursor:  cursor,
		Context: map[string]any{
			strategy.InitialSetKey: append([]string(nil), initial...),
			batchSizeKey:           c.opts.BatchSize,
			resultsKey:             merged,
		},
		StepResults: log,
	}
	err := cp.Seal()
	if err == nil {
		err = c.checkpoints.SaveCheckpoint(ctx, cp)
	}
	c.metrics.RecordCheckpointWrite(err)
	if err != nil {
		c.logger.Warn("batch checkpoint write failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

func partition(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

func joinInts(ints []int) string {
	sort.Ints(ints)
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

// intFromContext reads an int that may have round-tripped through JSON
// as float64.
func intFromContext(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// coerceResults reads a results map that may have round-tripped through
// JSON as map[string]any of []any.
func coerceResults(v any) map[string][]string {
	switch m := v.(type) {
	case map[string][]string:
		return m
	case map[string]any:
		out := make(map[string][]string, len(m))
		for k, raw := range m {
			list, ok := raw.([]any)
			if !ok {
				out[k] = nil
				continue
			}
			for _, item := range list {
				if s, ok := item.(string); ok {
					out[k] = append(out[k], s)
				}
			}
		}
		return out
	default:
		return nil
	}
}
