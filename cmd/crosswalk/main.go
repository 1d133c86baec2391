// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosswalk-bio/crosswalk/pkg/logging"
	"github.com/crosswalk-bio/crosswalk/services/resolver"
	"github.com/crosswalk-bio/crosswalk/services/resolver/clients"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

var (
	flagConfig       string
	flagDataDir      string
	flagVerbose      bool
	flagJSONLogs     bool
	flagWatchConfig  bool
	flagBatchSize    int
	flagConcurrency  int
	flagBatchTimeout time.Duration
)

var appLogger *logging.Logger

var rootCmd = &cobra.Command{
	Use:   "crosswalk",
	Short: "Resolve biological identifiers across namespaces",
	Long: `crosswalk executes declarative mapping strategies that translate
identifier sets between biological namespaces (UniProt, Ensembl,
Entrez, ...), with multi-hop path finding, result caching, and
checkpointed batch runs.

Configuration lives in a single YAML file holding the namespace
registry, the mapping-path catalog, and the strategy definitions.

Examples:
  crosswalk run protein_xref P12345 Q14213
  crosswalk run protein_xref --ids-file ids.txt --data-dir ~/.crosswalk
  crosswalk resume protein_xref 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(rootCmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "crosswalk.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the persistent cache and checkpoints (empty: in-memory)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false, "JSON log output")
	rootCmd.PersistentFlags().BoolVar(&flagWatchConfig, "watch", false, "reload configuration on file change")
	rootCmd.PersistentFlags().IntVar(&flagBatchSize, "batch-size", 0, "identifiers per batch (0: default)")
	rootCmd.PersistentFlags().IntVar(&flagConcurrency, "concurrency", 0, "concurrent batches (0: default)")
	rootCmd.PersistentFlags().DurationVar(&flagBatchTimeout, "batch-timeout", 0, "per-batch timeout (0: none)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if flagVerbose {
			level = logging.LevelDebug
		}
		appLogger = logging.New(logging.Config{
			Level:   level,
			Service: "crosswalk",
			JSON:    flagJSONLogs,
		})
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if appLogger != nil {
			appLogger.Close()
		}
	}
}

// buildEngine assembles an engine from the global flags and registers
// the built-in client factories.
func buildEngine() (*resolver.Engine, error) {
	engine, err := resolver.New(resolver.Options{
		ConfigPath:    flagConfig,
		DataDir:       flagDataDir,
		BatchSize:     flagBatchSize,
		MaxConcurrent: flagConcurrency,
		BatchTimeout:  flagBatchTimeout,
		WatchConfig:   flagWatchConfig,
		Logger:        appLogger.Slog(),
	})
	if err != nil {
		return nil, err
	}

	// Table-backed clients need no external services; anything else is
	// registered by embedding callers.
	engine.Clients().RegisterFactory("table", clients.TableFactory)
	return engine, nil
}
