// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	bidiIDsFile    string
	bidiJSONOutput bool
)

var bidiCmd = &cobra.Command{
	Use:   "bidi FORWARD_STRATEGY REVERSE_STRATEGY [ID...]",
	Short: "Cross-validate mappings by running both directions",
	Long: `Run the forward strategy over the identifiers, run the reverse
strategy over every resolved target, and reconcile the two directions.

Each (source, target) pair is classified bidirectional, forward_only,
or reverse_only; pairs confirmed in both directions keep the higher
confidence, unconfirmed pairs are discounted.

Examples:
  crosswalk bidi protein_xref protein_xref_rev P12345 Q14213
  crosswalk bidi protein_xref protein_xref_rev --ids-file ids.txt --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runBidi,
}

func init() {
	bidiCmd.Flags().StringVar(&bidiIDsFile, "ids-file", "", "file with one identifier per line")
	bidiCmd.Flags().BoolVar(&bidiJSONOutput, "json", false, "emit the reconciled pairs as JSON")
	rootCmd.AddCommand(bidiCmd)
}

func runBidi(cmd *cobra.Command, args []string) error {
	ids, err := collectIdentifiers(args[2:], bidiIDsFile)
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

	outcome, err := engine.RunBidirectional(cmd.Context(), args[0], args[1], ids)
	if err != nil {
		return err
	}

	if bidiJSONOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome.Reconciled)
	}

	reverseStatus := "skipped (nothing resolved forward)"
	if outcome.Reverse != nil {
		reverseStatus = string(outcome.Reverse.Status)
	}
	fmt.Printf("Forward run %s: %s, reverse run: %s\n",
		outcome.Forward.Metadata.RunID, outcome.Forward.Status, reverseStatus)
	for _, m := range outcome.Reconciled {
		fmt.Printf("%s\t%s\t%s\t%.3f\n", m.SourceID, m.TargetID, m.Direction, m.Confidence)
	}
	return nil
}
