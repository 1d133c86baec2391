// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package clients

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

func countingFactory(constructed *int32) Factory {
	return func(config map[string]any) (MappingClient, error) {
		atomic.AddInt32(constructed, 1)
		return NewTableClient(map[string][]string{"P12345": {"ENSG00000139618"}}, 0.9), nil
	}
}

func TestRegistry_ConstructsOncePerKey(t *testing.T) {
	var constructed int32
	r := NewRegistry(nil)
	r.RegisterFactory("uniprot", countingFactory(&constructed))

	cfg := map[string]any{"species": "human"}
	for i := 0; i < 3; i++ {
		_, err := r.Client("uniprot", cfg, GetOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), constructed)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DistinctConfigsGetDistinctInstances(t *testing.T) {
	var constructed int32
	r := NewRegistry(nil)
	r.RegisterFactory("uniprot", countingFactory(&constructed))

	_, err := r.Client("uniprot", map[string]any{"species": "human"}, GetOptions{})
	require.NoError(t, err)
	_, err = r.Client("uniprot", map[string]any{"species": "mouse"}, GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), constructed)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_UnknownClientIsConfigurationError(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Client("nonexistent", nil, GetOptions{})
	var cfgErr *datatypes.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "client", cfgErr.Subject)
	assert.Equal(t, "nonexistent", cfgErr.Value)
}

func TestRegistry_BypassSkipsCache(t *testing.T) {
	var constructed int32
	r := NewRegistry(nil)
	r.RegisterFactory("uniprot", countingFactory(&constructed))

	_, err := r.Client("uniprot", nil, GetOptions{Bypass: true})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len(), "bypass must not populate the cache")

	_, err = r.Client("uniprot", nil, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), constructed, "bypass then normal call construct twice")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_EvictForcesReconstruction(t *testing.T) {
	var constructed int32
	r := NewRegistry(nil)
	r.RegisterFactory("uniprot", countingFactory(&constructed))

	cfg := map[string]any{"species": "human"}
	_, err := r.Client("uniprot", cfg, GetOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Evict("uniprot", cfg))
	assert.Equal(t, 0, r.Len())

	_, err = r.Client("uniprot", cfg, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), constructed)

	// Evicting an absent entry is a no-op.
	assert.NoError(t, r.Evict("uniprot", map[string]any{"species": "rat"}))
}

func TestRegistry_InstanceAge(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterFactory("uniprot", StaticFactory(NewTableClient(nil, 0)))

	_, ok := r.InstanceAge("uniprot", nil)
	assert.False(t, ok)

	_, err := r.Client("uniprot", nil, GetOptions{})
	require.NoError(t, err)

	age, ok := r.InstanceAge("uniprot", nil)
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}

func TestRegistry_FactoryErrorPropagates(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("reference file missing")
	r.RegisterFactory("broken", func(map[string]any) (MappingClient, error) {
		return nil, boom
	})

	_, err := r.Client("broken", nil, GetOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_RateLimitedClientHonorsContext(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterFactory("slow", StaticFactory(NewTableClient(nil, 0)))
	// One call per hour with no burst: the second Wait cannot succeed
	// before the context deadline.
	r.SetRateLimit("slow", rate.Every(time.Hour), 1)

	client, err := r.Client("slow", nil, GetOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.MapIdentifiers(ctx, []string{"P12345"}, nil)
	require.NoError(t, err, "first call consumes the burst token")

	_, err = client.MapIdentifiers(ctx, []string{"Q14213"}, nil)
	assert.Error(t, err, "second call must fail when the limiter cannot admit it in time")
}

func TestTableClient_Lookup(t *testing.T) {
	c := NewTableClient(map[string][]string{
		"P12345": {"ENSG00000139618", "ENSG00000012048"},
	}, 0.85)

	out, err := c.MapIdentifiers(context.Background(), []string{"P12345", "UNKNOWN1"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	resolved := out["P12345"]
	assert.Equal(t, []string{"ENSG00000139618", "ENSG00000012048"}, resolved.TargetIDs)
	assert.Equal(t, 0.85, resolved.Confidence)
	assert.False(t, resolved.Failed())

	missing := out["UNKNOWN1"]
	assert.Nil(t, missing.TargetIDs)
	assert.False(t, missing.Failed(), "unknown identifier is unresolved, not a failure")
}

func TestTableClient_EmptyInput(t *testing.T) {
	c := NewTableClient(map[string][]string{"P12345": {"X1"}}, 0)

	out, err := c.MapIdentifiers(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFailureResult(t *testing.T) {
	r := FailureResult("timeout contacting registry")
	assert.True(t, r.Failed())
	assert.Equal(t, "error:timeout contacting registry", r.Metadata)
}

func TestTableFactory_InlineTable(t *testing.T) {
	client, err := TableFactory(map[string]any{
		"table": map[string]any{
			"P12345": []any{"ENSG00000139618"},
		},
		"confidence": 0.7,
	})
	require.NoError(t, err)

	out, err := client.MapIdentifiers(context.Background(), []string{"P12345"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENSG00000139618"}, out["P12345"].TargetIDs)
	assert.Equal(t, 0.7, out["P12345"].Confidence)
}

func TestTableFactory_MissingSource(t *testing.T) {
	_, err := TableFactory(map[string]any{"confidence": 0.7})
	assert.Error(t, err)
}

func TestLoadTableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.tsv")
	content := "# uniprot -> ensembl\nP12345\tENSG00000139618\tENSG00000012048\n\nQ14213\tENSG00000112115\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	table, err := LoadTableFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENSG00000139618", "ENSG00000012048"}, table["P12345"])
	assert.Equal(t, []string{"ENSG00000112115"}, table["Q14213"])
}

func TestLoadTableFile_MalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refs.tsv")
	require.NoError(t, os.WriteFile(path, []byte("P12345\n"), 0600))

	_, err := LoadTableFile(path)
	assert.Error(t, err)
}
