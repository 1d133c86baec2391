// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// TableClient resolves identifiers against an in-memory lookup table,
// typically loaded from a tab-separated reference file. It is the
// built-in client for offline resolution and the fixture client in
// tests.
//
// Thread Safety: the table is immutable after construction.
type TableClient struct {
	table      map[string][]string
	confidence float64
}

var _ MappingClient = (*TableClient)(nil)

// NewTableClient builds a client over a fixed table. A zero confidence
// means the client reports none.
func NewTableClient(table map[string][]string, confidence float64) *TableClient {
	copied := make(map[string][]string, len(table))
	for k, v := range table {
		copied[k] = append([]string(nil), v...)
	}
	return &TableClient{table: copied, confidence: confidence}
}

// LoadTableFile reads a tab-separated reference file: one line per
// source identifier, targets in the remaining columns. Lines starting
// with '#' and blank lines are skipped.
func LoadTableFile(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference file: %w", err)
	}
	defer f.Close()

	table := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 2 {
			return nil, fmt.Errorf("reference file %s line %d: want at least 2 tab-separated columns", path, line)
		}
		source := strings.TrimSpace(fields[0])
		for _, target := range fields[1:] {
			target = strings.TrimSpace(target)
			if target != "" {
				table[source] = append(table[source], target)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reference file %s: %w", path, err)
	}
	return table, nil
}

// TableFactory builds TableClients from step parameters. Recognized
// parameters: "file" (reference file path) or "table"
// (map[string][]string inline), plus optional "confidence" (float64).
// Registered under a client name, it lets strategies select reference
// tables per step while the registry amortizes file loads.
func TableFactory(config map[string]any) (MappingClient, error) {
	confidence := 0.0
	if v, ok := config["confidence"].(float64); ok {
		confidence = v
	}

	if path, ok := config["file"].(string); ok && path != "" {
		table, err := LoadTableFile(path)
		if err != nil {
			return nil, err
		}
		return NewTableClient(table, confidence), nil
	}

	if raw, ok := config["table"]; ok {
		table, err := coerceTable(raw)
		if err != nil {
			return nil, err
		}
		return NewTableClient(table, confidence), nil
	}

	return nil, fmt.Errorf("table client config needs a %q or %q parameter", "file", "table")
}

// MapIdentifiers looks each identifier up in the table. Unknown
// identifiers map to an unresolved Result, never an error.
func (c *TableClient) MapIdentifiers(ctx context.Context, ids []string, _ map[string]any) (map[string]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Result, len(ids))
	for _, id := range ids {
		targets, ok := c.table[id]
		if !ok {
			out[id] = Result{}
			continue
		}
		out[id] = Result{
			TargetIDs:  append([]string(nil), targets...),
			Confidence: c.confidence,
		}
	}
	return out, nil
}

// coerceTable accepts both map[string][]string (programmatic config)
// and map[string]any of []any (decoded YAML/JSON config).
func coerceTable(raw any) (map[string][]string, error) {
	switch t := raw.(type) {
	case map[string][]string:
		return t, nil
	case map[string]any:
		table := make(map[string][]string, len(t))
		for k, v := range t {
			list, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("table entry %q: want a list of targets", k)
			}
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("table entry %q: targets must be strings", k)
				}
				table[k] = append(table[k], s)
			}
		}
		return table, nil
	default:
		return nil, fmt.Errorf("table parameter has unsupported type %T", raw)
	}
}

// StaticFactory wraps an already-constructed client as a Factory,
// ignoring configuration. Useful for tests and for clients constructed
// at process startup.
func StaticFactory(client MappingClient) Factory {
	return func(map[string]any) (MappingClient, error) {
		return client, nil
	}
}

// FuncClient adapts a function to the MappingClient interface.
type FuncClient func(ctx context.Context, ids []string, config map[string]any) (map[string]Result, error)

// MapIdentifiers calls the wrapped function.
func (f FuncClient) MapIdentifiers(ctx context.Context, ids []string, config map[string]any) (map[string]Result, error) {
	return f(ctx, ids, config)
}

var _ MappingClient = (FuncClient)(nil)
