// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pathfinder

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// fakeRepo is an in-memory Repository that counts queries.
type fakeRepo struct {
	paths      map[string][]datatypes.MappingPath // "from|to" → paths
	namespaces map[string]bool
	queries    int64
	err        error
	onQuery    func() // runs inside FindPaths, before returning
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		paths:      make(map[string][]datatypes.MappingPath),
		namespaces: make(map[string]bool),
	}
}

func (r *fakeRepo) add(p datatypes.MappingPath) {
	key := p.From + "|" + p.To
	r.paths[key] = append(r.paths[key], p)
	r.namespaces[p.From] = true
	r.namespaces[p.To] = true
}

func (r *fakeRepo) FindPaths(ctx context.Context, from, to string, entityType datatypes.EntityType) ([]datatypes.MappingPath, error) {
	atomic.AddInt64(&r.queries, 1)
	if r.onQuery != nil {
		r.onQuery()
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.paths[from+"|"+to], nil
}

func (r *fakeRepo) HasNamespace(entityType datatypes.EntityType, namespace string) bool {
	return r.namespaces[namespace]
}

func path(name, from, to string, priority, hops int) datatypes.MappingPath {
	steps := make([]datatypes.MappingStep, hops)
	for i := range steps {
		steps[i] = datatypes.MappingStep{Resource: "res", From: from, To: to, Confidence: 0.9}
	}
	return datatypes.MappingPath{
		Name:       name,
		EntityType: datatypes.EntityProtein,
		From:       from,
		To:         to,
		Priority:   priority,
		Steps:      steps,
	}
}

func TestFindPathsOrdering(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("slow", "uniprot", "ensembl", 5, 2))
	repo.add(path("preferred", "uniprot", "ensembl", 1, 3))
	repo.add(path("short", "uniprot", "ensembl", 5, 1))
	f := New(repo, Options{}, nil)

	paths, err := f.FindPaths(context.Background(), "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	// Priority ascending wins, then fewer hops.
	assert.Equal(t, "preferred", paths[0].Name)
	assert.Equal(t, "short", paths[1].Name)
	assert.Equal(t, "slow", paths[2].Name)
}

func TestFindPathsIdempotentAndCached(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("direct", "uniprot", "ensembl", 1, 1))
	f := New(repo, Options{}, nil)
	ctx := context.Background()

	first, err := f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	queriesAfterFirst := atomic.LoadInt64(&repo.queries)

	second, err := f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)

	// Structurally identical ordered lists, and no repository I/O on the
	// second call.
	assert.Equal(t, first, second)
	assert.Equal(t, queriesAfterFirst, atomic.LoadInt64(&repo.queries))

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFindBestPath(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("best", "uniprot", "ensembl", 1, 1))
	repo.add(path("worse", "uniprot", "ensembl", 2, 1))
	f := New(repo, Options{}, nil)

	best, err := f.FindBestPath(context.Background(), "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	assert.Equal(t, "best", best.Name)
}

func TestFindBestPathNotFound(t *testing.T) {
	repo := newFakeRepo()
	repo.namespaces["ns_a"] = true
	repo.namespaces["ns_b"] = true
	f := New(repo, Options{}, nil)

	_, err := f.FindBestPath(context.Background(), "ns_a", "ns_b", datatypes.EntityProtein)
	var notFound *datatypes.PathNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ns_a", notFound.From)
	assert.Equal(t, "ns_b", notFound.To)
}

func TestUnknownNamespaceIsConfigurationError(t *testing.T) {
	repo := newFakeRepo()
	repo.namespaces["uniprot"] = true
	f := New(repo, Options{}, nil)

	_, err := f.FindPaths(context.Background(), "uniprot", "nonexistent", datatypes.EntityProtein)
	var confErr *datatypes.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "nonexistent", confErr.Value)
}

func TestReversePathSynthesis(t *testing.T) {
	repo := newFakeRepo()
	reg := path("forward", "ensembl", "uniprot", 1, 2)
	reg.Steps = []datatypes.MappingStep{
		{Resource: "r1", From: "ensembl", To: "mid", Confidence: 0.9},
		{Resource: "r2", From: "mid", To: "uniprot", Confidence: 0.8},
	}
	repo.add(reg)
	f := New(repo, Options{ReversePenalty: 100}, nil)

	// Only ensembl→uniprot is registered; ask for the opposite direction.
	paths, err := f.FindPaths(context.Background(), "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	rp := paths[0]
	assert.True(t, rp.Reversed)
	assert.Equal(t, "forward:reversed", rp.Name)
	assert.Equal(t, "uniprot", rp.From)
	assert.Equal(t, "ensembl", rp.To)
	assert.Equal(t, 101, rp.Priority)

	// Steps run backward with namespaces swapped per hop.
	require.Len(t, rp.Steps, 2)
	assert.Equal(t, "r2", rp.Steps[0].Resource)
	assert.Equal(t, "uniprot", rp.Steps[0].From)
	assert.Equal(t, "mid", rp.Steps[0].To)
	assert.Equal(t, "r1", rp.Steps[1].Resource)
	assert.Equal(t, "ensembl", rp.Steps[1].To)
}

func TestInvalidateDropsEntries(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("direct", "uniprot", "ensembl", 1, 1))
	f := New(repo, Options{}, nil)
	ctx := context.Background()

	_, err := f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	queriesBefore := atomic.LoadInt64(&repo.queries)

	f.Invalidate()
	assert.Equal(t, 0, f.Stats().EntryCount)

	_, err = f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&repo.queries), queriesBefore,
		"post-invalidation lookup must hit the repository again")
}

func TestInvalidateDuringResolveDropsStaleStore(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("direct", "uniprot", "ensembl", 1, 1))
	f := New(repo, Options{}, nil)
	ctx := context.Background()

	// Invalidate lands while the repository query is in flight, as a
	// configuration reload would. The result was read from the old
	// snapshot and must not be memoized.
	repo.onQuery = func() {
		repo.onQuery = nil
		f.Invalidate()
	}

	paths, err := f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	require.Len(t, paths, 1, "the caller still gets the in-flight result")
	assert.Equal(t, 0, f.Stats().EntryCount, "stale result must not land in the cache")

	queriesBefore := atomic.LoadInt64(&repo.queries)
	_, err = f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&repo.queries), queriesBefore,
		"next lookup must re-read the reloaded repository")
}

func TestTTLExpiryForcesRefresh(t *testing.T) {
	repo := newFakeRepo()
	repo.add(path("direct", "uniprot", "ensembl", 1, 1))
	f := New(repo, Options{TTL: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	queriesBefore := atomic.LoadInt64(&repo.queries)

	time.Sleep(30 * time.Millisecond)

	_, err = f.FindPaths(ctx, "uniprot", "ensembl", datatypes.EntityProtein)
	require.NoError(t, err)
	assert.Greater(t, atomic.LoadInt64(&repo.queries), queriesBefore)
}

func TestEmptyResultIsMemoized(t *testing.T) {
	repo := newFakeRepo()
	repo.namespaces["ns_a"] = true
	repo.namespaces["ns_b"] = true
	f := New(repo, Options{}, nil)
	ctx := context.Background()

	_, err := f.FindBestPath(ctx, "ns_a", "ns_b", datatypes.EntityProtein)
	require.Error(t, err)
	queriesAfterFirst := atomic.LoadInt64(&repo.queries)

	_, err = f.FindBestPath(ctx, "ns_a", "ns_b", datatypes.EntityProtein)
	require.Error(t, err)
	assert.Equal(t, queriesAfterFirst, atomic.LoadInt64(&repo.queries),
		"NotFound is memoized with a TTL, not re-queried per call")
}

func TestRepositoryFailureCachedBriefly(t *testing.T) {
	repo := newFakeRepo()
	repo.namespaces["ns_a"] = true
	repo.namespaces["ns_b"] = true
	repo.err = errors.New("store unavailable")
	f := New(repo, Options{ErrorCacheTTL: time.Minute}, nil)
	ctx := context.Background()

	_, err := f.FindPaths(ctx, "ns_a", "ns_b", datatypes.EntityProtein)
	require.Error(t, err)
	queriesAfterFirst := atomic.LoadInt64(&repo.queries)

	_, err = f.FindPaths(ctx, "ns_a", "ns_b", datatypes.EntityProtein)
	require.Error(t, err)
	assert.ErrorContains(t, err, "recently failed")
	assert.Equal(t, queriesAfterFirst, atomic.LoadInt64(&repo.queries),
		"failed lookups must not cause retry storms")
}
