// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CheckpointVersion is the current checkpoint format version. Snapshots
// with a different version are rejected on load rather than partially
// applied.
const CheckpointVersion = "1"

// Checkpoint is a persisted snapshot of one run's execution state,
// enabling resume after interruption. Written after each step (or batch)
// and read only during resume.
type Checkpoint struct {
	// Version is the checkpoint format version.
	Version string `json:"version"`

	// RunID identifies the interrupted run.
	RunID string `json:"run_id"`

	// StrategyName is the strategy being executed.
	StrategyName string `json:"strategy_name"`

	// NextStepIndex is the cursor execution resumes from.
	NextStepIndex int `json:"next_step_index"`

	// BatchCursor is the next batch index for batched runs.
	BatchCursor int `json:"batch_cursor"`

	// Context is the execution-context snapshot.
	Context map[string]any `json:"context"`

	// StepResults is the step log up to the checkpoint.
	StepResults []StepResult `json:"step_results"`

	// Timestamp is when the checkpoint was written.
	Timestamp time.Time `json:"timestamp"`

	// Checksum is the SHA-256 of the snapshot payload, for integrity
	// verification on load.
	Checksum string `json:"checksum"`
}

// Seal stamps the version, timestamp, and payload checksum.
func (c *Checkpoint) Seal() error {
	c.Version = CheckpointVersion
	c.Timestamp = time.Now()
	sum, err := c.payloadChecksum()
	if err != nil {
		return err
	}
	c.Checksum = sum
	return nil
}

// Verify rejects incompatible or corrupted snapshots.
func (c *Checkpoint) Verify() error {
	if c.Version != CheckpointVersion {
		return fmt.Errorf("%w: got %q, want %q", ErrCheckpointVersion, c.Version, CheckpointVersion)
	}
	sum, err := c.payloadChecksum()
	if err != nil {
		return err
	}
	if sum != c.Checksum {
		return ErrCheckpointChecksum
	}
	return nil
}

// payloadChecksum hashes the resume-relevant fields. JSON map keys marshal
// in sorted order, so the digest is stable for identical state.
func (c *Checkpoint) payloadChecksum() (string, error) {
	payload := struct {
		RunID         string         `json:"run_id"`
		StrategyName  string         `json:"strategy_name"`
		NextStepIndex int            `json:"next_step_index"`
		BatchCursor   int            `json:"batch_cursor"`
		Context       map[string]any `json:"context"`
		StepResults   []StepResult   `json:"step_results"`
	}{c.RunID, c.StrategyName, c.NextStepIndex, c.BatchCursor, c.Context, c.StepResults}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing checkpoint payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
