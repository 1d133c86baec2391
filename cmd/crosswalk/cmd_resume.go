// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeJSONOutput bool

var resumeCmd = &cobra.Command{
	Use:   "resume STRATEGY RUN_ID",
	Short: "Resume an interrupted run from its checkpoint",
	Long: `Resume a previously interrupted run. Batches completed before the
interruption are restored from the checkpoint; only the remainder
re-executes.

Requires the same --data-dir, --config, and --batch-size as the
original run: the checkpoint is stored in the data directory and the
persisted batch cursor is only meaningful for the same partitioning.

Examples:
  crosswalk resume protein_xref 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --data-dir ~/.crosswalk`,
	Args: cobra.ExactArgs(2),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeJSONOutput, "json", false, "emit the full run result as JSON")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	if flagDataDir == "" {
		return fmt.Errorf("resume requires --data-dir (checkpoints live there)")
	}

	engine, err := buildEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	result, runErr := engine.Resume(cmd.Context(), args[0], args[1])
	if result != nil {
		if err := printResult(result, resumeJSONOutput); err != nil {
			return err
		}
	}
	return runErr
}
