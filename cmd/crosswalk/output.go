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
	"sort"
	"strings"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// printResult writes the run result to stdout: the full structure as
// JSON, or a human-readable summary plus one mapping per line.
func printResult(result *datatypes.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("Run %s (%s): %s\n",
		result.Metadata.RunID, result.Metadata.StrategyName, result.Status)
	if result.Error != "" {
		fmt.Printf("Error: %s\n", result.Error)
	}
	fmt.Printf("Identifiers: %d in, %d mapped\n",
		result.Statistics.InitialCount, result.Statistics.FinalMappedCount)

	for _, sr := range result.StepResults {
		line := fmt.Sprintf("  step %-20s %-8s %4d -> %-4d",
			sr.StepName, sr.Status, sr.InputCount, sr.OutputCount)
		if sr.ErrorMessage != "" {
			line += "  " + sr.ErrorMessage
		}
		fmt.Println(line)
	}

	if len(result.Results) == 0 {
		return nil
	}
	sources := make([]string, 0, len(result.Results))
	for source := range result.Results {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	fmt.Println()
	for _, source := range sources {
		targets := result.Results[source]
		if len(targets) == 0 {
			fmt.Printf("%s\t-\n", source)
			continue
		}
		fmt.Printf("%s\t%s\n", source, strings.Join(targets, ","))
	}
	return nil
}
