// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	runIDsFile    string
	runJSONOutput bool
)

var runCmd = &cobra.Command{
	Use:   "run STRATEGY [ID...]",
	Short: "Execute a mapping strategy over a set of identifiers",
	Long: `Execute the named strategy from the configuration file over the
identifiers given as arguments, via --ids-file, or both.

The identifier file has one identifier per line; blank lines and lines
starting with '#' are ignored. Composite identifiers ("P12345,Q14213")
are split during normalization.

Examples:
  crosswalk run protein_xref P12345 Q14213
  crosswalk run protein_xref --ids-file ids.txt
  crosswalk run protein_xref --ids-file ids.txt --json
  crosswalk run protein_xref P12345 --data-dir ~/.crosswalk --batch-size 200`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runIDsFile, "ids-file", "", "file with one identifier per line")
	runCmd.Flags().BoolVar(&runJSONOutput, "json", false, "emit the full run result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	strategyName := args[0]
	ids, err := collectIdentifiers(args[1:], runIDsFile)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("no identifiers given: pass them as arguments or via --ids-file")
	}

	engine, err := buildEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	result, runErr := engine.Run(cmd.Context(), strategyName, ids)
	if result != nil {
		if err := printResult(result, runJSONOutput); err != nil {
			return err
		}
	}
	return runErr
}

// collectIdentifiers merges argument and file inputs, preserving order.
func collectIdentifiers(args []string, path string) ([]string, error) {
	ids := append([]string(nil), args...)
	if path == "" {
		return ids, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading identifiers: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading identifiers: %w", err)
	}
	return ids, nil
}
