// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosswalk-bio/crosswalk/services/resolver/datatypes"
)

// fakeResolver maps identifiers to canned resolution outcomes.
type fakeResolver struct {
	outcomes map[string]struct {
		ids    []string
		status Status
	}
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, id, namespace string) ([]string, Status, error) {
	if f.err != nil {
		return nil, StatusUnresolved, f.err
	}
	out, ok := f.outcomes[id]
	if !ok {
		return nil, StatusObsolete, nil
	}
	return out.ids, out.status, nil
}

func TestSplitComposite(t *testing.T) {
	delims := []string{",", "_"}

	t.Run("decomposes mixed delimiters fully", func(t *testing.T) {
		got := SplitComposite("P12345,Q14213_Q8NEV9", delims)
		assert.Equal(t, []string{"P12345", "Q14213", "Q8NEV9"}, got)
	})

	t.Run("splits on underscore when no comma present", func(t *testing.T) {
		got := SplitComposite("Q14213_Q8NEV9", delims)
		assert.Equal(t, []string{"Q14213", "Q8NEV9"}, got)
	})

	t.Run("trims whitespace and drops empties", func(t *testing.T) {
		got := SplitComposite(" P12345 , ,Q14213 ", delims)
		assert.Equal(t, []string{"P12345", "Q14213"}, got)
	})

	t.Run("deduplicates preserving first-seen order", func(t *testing.T) {
		got := SplitComposite("P12345,Q14213,P12345", delims)
		assert.Equal(t, []string{"P12345", "Q14213"}, got)
	})

	t.Run("empty and delimiter-only inputs normalize to empty list", func(t *testing.T) {
		for _, raw := range []string{"", ",", "_", " , ", "  "} {
			assert.Empty(t, SplitComposite(raw, delims), "input %q", raw)
		}
	})

	t.Run("round-trip on non-composite input", func(t *testing.T) {
		got := SplitComposite("  P12345  ", delims)
		assert.Equal(t, []string{"P12345"}, got)
	})
}

func TestNormalizeTagsNamespace(t *testing.T) {
	n := New(WithDelimiters([]string{",", "_"}))

	got := n.Normalize("P12345,Q14213_Q8NEV9", "uniprot")
	require.Len(t, got, 3)
	want := []datatypes.Identifier{
		{Value: "P12345", Namespace: "uniprot"},
		{Value: "Q14213", Namespace: "uniprot"},
		{Value: "Q8NEV9", Namespace: "uniprot"},
	}
	assert.Equal(t, want, got)
}

func TestResolveHistorical(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent for primary identifiers", func(t *testing.T) {
		r := &fakeResolver{outcomes: map[string]struct {
			ids    []string
			status Status
		}{
			"P12345": {ids: []string{"P12345"}, status: StatusPrimary},
		}}
		n := New(WithResolver(r))

		ids, status := n.ResolveHistorical(ctx, "P12345", "uniprot")
		require.Equal(t, StatusPrimary, status)
		require.Len(t, ids, 1)
		assert.Equal(t, "P12345", ids[0].Value)
		assert.Equal(t, "uniprot", ids[0].Namespace)
	})

	t.Run("secondary resolves to current primary", func(t *testing.T) {
		r := &fakeResolver{outcomes: map[string]struct {
			ids    []string
			status Status
		}{
			"Q00001": {ids: []string{"P99999"}, status: StatusSecondary},
		}}
		n := New(WithResolver(r))

		ids, status := n.ResolveHistorical(ctx, "Q00001", "uniprot")
		assert.Equal(t, StatusSecondary, status)
		require.Len(t, ids, 1)
		assert.Equal(t, "P99999", ids[0].Value)
	})

	t.Run("demerged resolves to several primaries", func(t *testing.T) {
		r := &fakeResolver{outcomes: map[string]struct {
			ids    []string
			status Status
		}{
			"P00001": {ids: []string{"P11111", "P22222"}, status: StatusDemerged},
		}}
		n := New(WithResolver(r))

		ids, status := n.ResolveHistorical(ctx, "P00001", "uniprot")
		assert.Equal(t, StatusDemerged, status)
		assert.Len(t, ids, 2)
	})

	t.Run("not found reports obsolete, not an error", func(t *testing.T) {
		n := New(WithResolver(&fakeResolver{}))
		ids, status := n.ResolveHistorical(ctx, "ZZZZZZ", "uniprot")
		assert.Equal(t, StatusObsolete, status)
		assert.Empty(t, ids)
	})

	t.Run("resolver failure reports unresolved", func(t *testing.T) {
		n := New(WithResolver(&fakeResolver{err: errors.New("registry unavailable")}))
		ids, status := n.ResolveHistorical(ctx, "P12345", "uniprot")
		assert.Equal(t, StatusUnresolved, status)
		assert.Empty(t, ids)
	})

	t.Run("malformed input reports invalid without consulting resolver", func(t *testing.T) {
		r := &fakeResolver{err: errors.New("must not be called")}
		n := New(WithResolver(r))
		ids, status := n.ResolveHistorical(ctx, "P12 345", "uniprot")
		assert.Equal(t, StatusInvalid, status)
		assert.Empty(t, ids)
	})

	t.Run("no resolver treats well-formed input as primary", func(t *testing.T) {
		n := New()
		ids, status := n.ResolveHistorical(ctx, "P12345", "uniprot")
		assert.Equal(t, StatusPrimary, status)
		require.Len(t, ids, 1)
	})
}

func TestResolveComposite(t *testing.T) {
	ctx := context.Background()
	r := &fakeResolver{outcomes: map[string]struct {
		ids    []string
		status Status
	}{
		"P12345": {ids: []string{"P12345"}, status: StatusPrimary},
		"Q14213": {ids: []string{"Q14213"}, status: StatusPrimary},
		"Q00001": {ids: []string{"P12345"}, status: StatusSecondary},
	}}
	n := New(WithDelimiters([]string{",", "_"}), WithResolver(r))

	t.Run("aggregates component statuses", func(t *testing.T) {
		res := n.ResolveComposite(ctx, "P12345,Q14213", "uniprot")
		assert.True(t, strings.HasPrefix(res.Status, "composite:resolved|"), "status = %s", res.Status)
		assert.Contains(t, res.Status, "P12345:primary")
		assert.Contains(t, res.Status, "Q14213:primary")
		assert.Len(t, res.CurrentIDs, 2)
	})

	t.Run("unions and deduplicates resolved components", func(t *testing.T) {
		// Q00001 resolves to P12345, which is also present directly.
		res := n.ResolveComposite(ctx, "P12345,Q00001", "uniprot")
		assert.Len(t, res.CurrentIDs, 1)
		assert.Equal(t, "P12345", res.CurrentIDs[0].Value)
	})

	t.Run("partial aggregate when a component is obsolete", func(t *testing.T) {
		res := n.ResolveComposite(ctx, "P12345,ZZZZZZ", "uniprot")
		assert.True(t, strings.HasPrefix(res.Status, "composite:partial|"), "status = %s", res.Status)
		assert.Contains(t, res.Status, "ZZZZZZ:obsolete")
		assert.Len(t, res.CurrentIDs, 1)
	})

	t.Run("empty input reports empty_after_preprocess", func(t *testing.T) {
		for _, raw := range []string{"", ",", "_"} {
			res := n.ResolveComposite(ctx, raw, "uniprot")
			assert.Equal(t, ErrEmptyAfterPreprocess, res.Status, "input %q", raw)
			assert.Empty(t, res.CurrentIDs)
		}
	})

	t.Run("single component carries its own status", func(t *testing.T) {
		res := n.ResolveComposite(ctx, "P12345", "uniprot")
		assert.Equal(t, string(StatusPrimary), res.Status)
	})
}
