// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-bio/crosswalk/services/resolver/clients"
	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
	"github.com/crosswalk-bio/crosswalk/services/resolver/mapcache"
	"github.com/crosswalk-bio/crosswalk/services/resolver/normalize"
	"github.com/crosswalk-bio/crosswalk/services/resolver/pathfinder"
)

// staticRepo is a fixed path repository for tests.
type staticRepo struct {
	paths      []datatypes.MappingPath
	namespaces map[string]struct{}
}

func (r *staticRepo) FindPaths(_ context.Context, from, to string, entityType datatypes.EntityType) ([]datatypes.MappingPath, error) {
	var out []datatypes.MappingPath
	for _, p := range r.paths {
		if p.From == from && p.To == to && p.EntityType == entityType {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *staticRepo) HasNamespace(_ datatypes.EntityType, ns string) bool {
	_, ok := r.namespaces[ns]
	return ok
}

func testDeps(t *testing.T, repo *staticRepo) (Deps, *clients.Registry) {
	t.Helper()
	if repo == nil {
		repo = &staticRepo{namespaces: map[string]struct{}{
			"uniprot": {}, "ensembl": {}, "refseq": {},
		}}
	}
	registry := clients.NewRegistry(nil)
	cache := mapcache.New(mapcache.NewMemoryStore(1024), mapcache.DefaultOptions(), nil)
	t.Cleanup(func() { cache.Close() })
	return Deps{
		Normalizer: normalize.New(),
		Finder:     pathfinder.New(repo, pathfinder.DefaultOptions(), nil),
		Cache:      cache,
		Clients:    registry,
	}, registry
}

func boolPtr(b bool) *bool { return &b }

func TestValidateStrategy_UnknownActionType(t *testing.T) {
	r := NewRegistry()
	def := &datatypes.StrategyDefinition{
		Name:       "test",
		EntityType: datatypes.EntityProtein,
		Steps: []datatypes.StrategyStep{
			{Name: "s1", ActionType: "map"},
			{Name: "s2", ActionType: "teleport"},
		},
	}

	err := r.ValidateStrategy(def)
	var verr *datatypes.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Detail, "teleport")
	assert.Contains(t, verr.Field, "steps[1]")
}

func TestValidateStrategy_KnownActionsPass(t *testing.T) {
	r := NewRegistry()
	def := &datatypes.StrategyDefinition{
		Name:       "test",
		EntityType: datatypes.EntityProtein,
		Steps: []datatypes.StrategyStep{
			{Name: "s1", ActionType: ActionMap},
			{Name: "s2", ActionType: ActionConvert},
			{Name: "s3", ActionType: ActionFilter, Required: boolPtr(false)},
		},
	}
	assert.NoError(t, r.ValidateStrategy(def))
}

func TestMapStep_ClientCalledOnlyForCacheMisses(t *testing.T) {
	deps, registry := testDeps(t, nil)
	ctx := context.Background()

	// Prime the cache for P12345.
	_, err := deps.Cache.Store(ctx, "P12345", "uniprot", "ensembl",
		[]mapcache.Target{{ID: "ENSG00000139618", Confidence: 0.9}},
		datatypes.ProvenanceDirect, 0)
	require.NoError(t, err)

	var calledWith atomic.Value
	registry.RegisterFactory("uniprot_mapper", clients.StaticFactory(clients.FuncClient(
		func(_ context.Context, ids []string, _ map[string]any) (map[string]clients.Result, error) {
			calledWith.Store(append([]string(nil), ids...))
			out := make(map[string]clients.Result, len(ids))
			for _, id := range ids {
				out[id] = clients.Result{TargetIDs: []string{"ENSG00000112115"}, Confidence: 0.8}
			}
			return out, nil
		})))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345", "Q14213"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "uniprot_mapper",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}

	result, err := executor.Execute(ctx, step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepSuccess, result.Status)
	assert.Equal(t, 2, result.InputCount)
	assert.Equal(t, 2, result.OutputCount)

	assert.Equal(t, []string{"Q14213"}, calledWith.Load(), "only the miss goes to the client")
	assert.ElementsMatch(t, []string{"ENSG00000139618", "ENSG00000112115"}, ec.WorkingSet())
	assert.Equal(t, 1, result.Provenance["cache_hits"])
	assert.Equal(t, 1, result.Provenance["cache_misses"])
}

func TestMapStep_StoresFreshResults(t *testing.T) {
	deps, registry := testDeps(t, nil)
	ctx := context.Background()

	registry.RegisterFactory("uniprot_mapper", clients.StaticFactory(
		clients.NewTableClient(map[string][]string{"P12345": {"ENSG00000139618"}}, 0.8)))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "uniprot_mapper",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	_, err := executor.Execute(ctx, step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)

	row, hit, err := deps.Cache.Check(ctx, "P12345", "uniprot", "ensembl")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, datatypes.ProvenanceDirect, row.Source)
	assert.Equal(t, 0.8, row.Confidence, "client confidence propagates unchanged")
}

func TestMapStep_CompositeInputExpands(t *testing.T) {
	deps, registry := testDeps(t, nil)

	registry.RegisterFactory("uniprot_mapper", clients.StaticFactory(
		clients.NewTableClient(map[string][]string{
			"P12345": {"ENSG00000139618"},
			"Q14213": {"ENSG00000112115"},
		}, 0)))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345,Q14213"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "uniprot_mapper",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, 2, result.OutputCount)
	assert.ElementsMatch(t, []string{"ENSG00000139618", "ENSG00000112115"}, ec.WorkingSet())

	bundle, ok := ec.Get("map_to_ensembl" + ResultsKeySuffix)
	require.True(t, ok)
	results := bundle.(map[string][]string)
	assert.ElementsMatch(t, []string{"ENSG00000139618", "ENSG00000112115"}, results["P12345,Q14213"])
}

func TestMapStep_EmptyAfterPreprocessReported(t *testing.T) {
	deps, registry := testDeps(t, nil)
	registry.RegisterFactory("uniprot_mapper", clients.StaticFactory(clients.NewTableClient(nil, 0)))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{","})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "uniprot_mapper",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err, "empty-after-preprocess is a data outcome, not a step failure")
	assert.Equal(t, datatypes.StepSuccess, result.Status)
	assert.Equal(t, 0, result.OutputCount)

	errsVal, ok := ec.Get("map_to_ensembl:errors")
	require.True(t, ok)
	errs := errsVal.(map[string]string)
	assert.Equal(t, normalize.ErrEmptyAfterPreprocess, errs[","])
}

// fixedHistory is a canned HistoricalResolver mapping superseded
// accessions to their current primaries.
type fixedHistory map[string][]string

func (h fixedHistory) Resolve(_ context.Context, id, _ string) ([]string, normalize.Status, error) {
	current, ok := h[id]
	if !ok {
		return nil, normalize.StatusObsolete, nil
	}
	if len(current) == 1 && current[0] == id {
		return current, normalize.StatusPrimary, nil
	}
	return current, normalize.StatusSecondary, nil
}

func TestMapStep_HistoricalIdentifierRewrittenBeforeLookup(t *testing.T) {
	deps, registry := testDeps(t, nil)
	deps.Normalizer = normalize.New(normalize.WithResolver(fixedHistory{
		"OLD1": {"P12345"},
	}))

	var calledWith atomic.Value
	registry.RegisterFactory("uniprot_mapper", clients.StaticFactory(clients.FuncClient(
		func(_ context.Context, ids []string, _ map[string]any) (map[string]clients.Result, error) {
			calledWith.Store(append([]string(nil), ids...))
			out := make(map[string]clients.Result, len(ids))
			for _, id := range ids {
				out[id] = clients.Result{TargetIDs: []string{"ENSG00000139618"}}
			}
			return out, nil
		})))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"OLD1", "GONE9"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "uniprot_mapper",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepSuccess, result.Status)

	assert.Equal(t, []string{"P12345"}, calledWith.Load(), "the rewritten primary reaches the client")

	bundle, ok := ec.Get("map_to_ensembl" + ResultsKeySuffix)
	require.True(t, ok)
	results := bundle.(map[string][]string)
	assert.Equal(t, []string{"ENSG00000139618"}, results["OLD1"], "results stay keyed by the raw input")
	assert.Nil(t, results["GONE9"])

	errsVal, ok := ec.Get("map_to_ensembl:errors")
	require.True(t, ok)
	errs := errsVal.(map[string]string)
	assert.Equal(t, "error:obsolete", errs["GONE9"])
}

func TestMapStep_PerIdentifierClientErrorDoesNotFailStep(t *testing.T) {
	deps, registry := testDeps(t, nil)

	registry.RegisterFactory("flaky", clients.StaticFactory(clients.FuncClient(
		func(_ context.Context, ids []string, _ map[string]any) (map[string]clients.Result, error) {
			out := make(map[string]clients.Result, len(ids))
			for _, id := range ids {
				if id == "Q14213" {
					out[id] = clients.FailureResult("upstream timeout")
					continue
				}
				out[id] = clients.Result{TargetIDs: []string{"ENSG00000139618"}}
			}
			return out, nil
		})))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345", "Q14213"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "flaky",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepSuccess, result.Status)
	assert.Equal(t, 1, result.Provenance["client_errors"])
	assert.Equal(t, []string{"ENSG00000139618"}, ec.WorkingSet())

	// The failed identifier must not be cached.
	_, hit, err := deps.Cache.Check(context.Background(), "Q14213", "uniprot", "ensembl")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestMapStep_WholeCallFailureFailsStep(t *testing.T) {
	deps, registry := testDeps(t, nil)

	registry.RegisterFactory("down", clients.StaticFactory(clients.FuncClient(
		func(context.Context, []string, map[string]any) (map[string]clients.Result, error) {
			return nil, assert.AnError
		})))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "map_to_ensembl",
		ActionType: ActionMap,
		Parameters: map[string]any{
			ParamClient:          "down",
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "ensembl",
		},
	}
	result, err := executor.Execute(context.Background(), step, 2, datatypes.EntityProtein, ec)
	require.Error(t, err)
	assert.Equal(t, datatypes.StepFailed, result.Status)
	assert.NotEmpty(t, result.ErrorMessage)

	var execErr *datatypes.MappingExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "map_to_ensembl", execErr.StepName)
	assert.Equal(t, 2, execErr.StepIndex)
	assert.Equal(t, []string{"P12345"}, execErr.InputSample)

	var clientErr *datatypes.ClientError
	assert.ErrorAs(t, err, &clientErr)
}

func TestConvertStep_MultiHopDerivedMapping(t *testing.T) {
	repo := &staticRepo{
		namespaces: map[string]struct{}{"uniprot": {}, "ensembl": {}, "refseq": {}},
		paths: []datatypes.MappingPath{{
			Name:       "uniprot_refseq_via_ensembl",
			EntityType: datatypes.EntityProtein,
			From:       "uniprot",
			To:         "refseq",
			Priority:   1,
			Steps: []datatypes.MappingStep{
				{Resource: "hop1", From: "uniprot", To: "ensembl", Confidence: 0.9},
				{Resource: "hop2", From: "ensembl", To: "refseq", Confidence: 0.8},
			},
		}},
	}
	deps, registry := testDeps(t, repo)

	registry.RegisterFactory("hop1", clients.StaticFactory(
		clients.NewTableClient(map[string][]string{"P12345": {"ENSG00000139618"}}, 0)))
	registry.RegisterFactory("hop2", clients.StaticFactory(
		clients.NewTableClient(map[string][]string{"ENSG00000139618": {"NP_000509.1"}}, 0)))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "to_refseq",
		ActionType: ActionConvert,
		Parameters: map[string]any{
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "refseq",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepSuccess, result.Status)
	assert.Equal(t, []string{"NP_000509.1"}, ec.WorkingSet())
	assert.Equal(t, "uniprot_refseq_via_ensembl", result.Provenance["path"])

	row, hit, err := deps.Cache.Check(context.Background(), "P12345", "uniprot", "refseq")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, datatypes.ProvenanceDerived, row.Source)
	assert.InDelta(t, 0.72, row.Confidence, 1e-9, "derived confidence is the hop product")
}

func TestConvertStep_PathNotFound(t *testing.T) {
	deps, _ := testDeps(t, nil)

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "to_refseq",
		ActionType: ActionConvert,
		Parameters: map[string]any{
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "refseq",
		},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.Error(t, err)
	assert.Equal(t, datatypes.StepFailed, result.Status)

	var notFound *datatypes.PathNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestConvertStep_CacheHitSkipsPathWalk(t *testing.T) {
	repo := &staticRepo{
		namespaces: map[string]struct{}{"uniprot": {}, "refseq": {}},
		paths: []datatypes.MappingPath{{
			Name:       "direct",
			EntityType: datatypes.EntityProtein,
			From:       "uniprot",
			To:         "refseq",
			Steps:      []datatypes.MappingStep{{Resource: "hop1", From: "uniprot", To: "refseq"}},
		}},
	}
	deps, registry := testDeps(t, repo)
	ctx := context.Background()

	_, err := deps.Cache.Store(ctx, "P12345", "uniprot", "refseq",
		[]mapcache.Target{{ID: "NP_000509.1", Confidence: 0.9}},
		datatypes.ProvenanceDerived, 0)
	require.NoError(t, err)

	var calls atomic.Int32
	registry.RegisterFactory("hop1", clients.StaticFactory(clients.FuncClient(
		func(_ context.Context, ids []string, _ map[string]any) (map[string]clients.Result, error) {
			calls.Add(1)
			return map[string]clients.Result{}, nil
		})))

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "to_refseq",
		ActionType: ActionConvert,
		Parameters: map[string]any{
			ParamSourceNamespace: "uniprot",
			ParamTargetNamespace: "refseq",
		},
	}
	_, err = executor.Execute(ctx, step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, []string{"NP_000509.1"}, ec.WorkingSet())
}

func TestFilterStep_PartitionsWorkingSet(t *testing.T) {
	deps, _ := testDeps(t, nil)

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345", "Q14213", "Q8NEV9"})
	ec.Set("known_proteins", []string{"P12345", "Q8NEV9"})

	step := datatypes.StrategyStep{
		Name:       "keep_known",
		ActionType: ActionFilter,
		Parameters: map[string]any{ParamReferenceKey: "known_proteins"},
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, 3, result.InputCount)
	assert.Equal(t, 2, result.OutputCount)
	assert.Equal(t, []string{"P12345", "Q8NEV9"}, ec.WorkingSet())
	assert.Equal(t, []string{"Q14213"}, ec.StringList("keep_known"+FilteredKeySuffix))
	assert.Equal(t, 1, result.Provenance["filtered_out"])
}

func TestFilterStep_InlineReferenceSet(t *testing.T) {
	deps, _ := testDeps(t, nil)

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345", "Q14213"})
	step := datatypes.StrategyStep{
		Name:       "keep_listed",
		ActionType: ActionFilter,
		Parameters: map[string]any{ParamReferenceSet: []any{"Q14213"}},
	}
	_, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q14213"}, ec.WorkingSet())
}

func TestFilterStep_MissingReferenceFails(t *testing.T) {
	deps, _ := testDeps(t, nil)

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	step := datatypes.StrategyStep{
		Name:       "keep_known",
		ActionType: ActionFilter,
	}
	result, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.Error(t, err)
	assert.Equal(t, datatypes.StepFailed, result.Status)

	var verr *datatypes.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestExecutor_StepDoesNotTouchOtherContextKeys(t *testing.T) {
	deps, _ := testDeps(t, nil)

	executor := NewExecutor(NewRegistry(), deps)
	ec := datatypes.NewExecutionContext([]string{"P12345"})
	ec.Set("untouched", []string{"keep", "me"})

	step := datatypes.StrategyStep{
		Name:       "keep_known",
		ActionType: ActionFilter,
		Parameters: map[string]any{ParamReferenceSet: []any{"P12345"}},
	}
	_, err := executor.Execute(context.Background(), step, 0, datatypes.EntityProtein, ec)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep", "me"}, ec.StringList("untouched"))
}
