// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recall/services/memory"
	"github.com/AleutianAI/recall/services/memory/badgerstore"
)

// stubEmbedder returns fixed vectors per text; unknown texts get a
// default orthogonal vector.
type stubEmbedder struct {
	vecs map[string][]float32
	dim  int
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.vecs[text]; ok {
		return v, nil
	}
	v := make([]float32, e.dim)
	v[e.dim-1] = 1
	return v, nil
}

func (e *stubEmbedder) Dimension() int { return e.dim }

// seedRun writes a run with an explicit embedding through the executor.
func seedRun(t *testing.T, store *badgerstore.Store, id string, outcome memory.Outcome, vec []float32) {
	t.Helper()
	exec := memory.NewExecutor(store, testConfig(), nil)
	eval := testEvaluation(id, outcome)
	eval.Embedding = vec
	_, err := exec.Commit(context.Background(), eval, memory.AddDecision("seed"))
	require.NoError(t, err)
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	query := "how to cache fetches"

	newEngine := func(store *badgerstore.Store) *memory.RetrievalEngine {
		embedder := &stubEmbedder{
			dim:  testDim,
			vecs: map[string][]float32{query: {1, 0, 0}},
		}
		return memory.NewRetrievalEngine(store, embedder, testConfig())
	}

	t.Run("no matches is a valid empty answer", func(t *testing.T) {
		store := newTestStore(t)
		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query})
		require.NoError(t, err)
		assert.Zero(t, resp.Confidence)
		assert.Empty(t, resp.RelatedRuns)
		assert.Contains(t, resp.Observations, "no related runs found")
	})

	t.Run("ranks hits and expands one hop", func(t *testing.T) {
		store := newTestStore(t)
		seedRun(t, store, "run-close", memory.OutcomeSuccess, []float32{1, 0, 0})
		seedRun(t, store, "run-far", memory.OutcomeSuccess, []float32{0.6, 0.8, 0})

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query})
		require.NoError(t, err)
		require.Len(t, resp.RelatedRuns, 2)
		assert.Equal(t, "run-close", resp.RelatedRuns[0].RunID)
		assert.Equal(t, "run-far", resp.RelatedRuns[1].RunID)
		assert.InDelta(t, 1.0, resp.RelatedRuns[0].Similarity, 1e-9)

		top := resp.RelatedRuns[0]
		assert.Equal(t, "add caching to the fetch path", top.TaskText)
		require.Len(t, top.References, 1)
		assert.Equal(t, "doc", top.References[0].Type)
		require.Len(t, top.Artifacts, 1)
		assert.NotEmpty(t, top.Artifacts[0].Hash)
	})

	t.Run("superseded runs never surface", func(t *testing.T) {
		store := newTestStore(t)
		seedRun(t, store, "run-old", memory.OutcomeSuccess, []float32{1, 0, 0})

		exec := memory.NewExecutor(store, testConfig(), nil)
		eval := testEvaluation("run-new", memory.OutcomeSuccess)
		eval.Embedding = []float32{1, 0, 0}
		_, err := exec.Commit(ctx, eval, memory.ReplaceDecision("run-old", "better"))
		require.NoError(t, err)

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query})
		require.NoError(t, err)
		require.Len(t, resp.RelatedRuns, 1)
		assert.Equal(t, "run-new", resp.RelatedRuns[0].RunID)
	})

	t.Run("confidence weighs top corroboration and agreement", func(t *testing.T) {
		store := newTestStore(t)
		// Top hit at similarity 1.0, second at 0.6 (below the 0.8
		// agreement threshold), both successful.
		seedRun(t, store, "run-top", memory.OutcomeSuccess, []float32{1, 0, 0})
		seedRun(t, store, "run-weak", memory.OutcomeSuccess, []float32{0.6, 0.8, 0})

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query})
		require.NoError(t, err)
		// 0.5*1.0 + 0.3*(1/2) + 0.2*(2/2) = 0.85
		assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	})

	t.Run("pattern and observations reflect outcomes", func(t *testing.T) {
		store := newTestStore(t)
		seedRun(t, store, "run-ok", memory.OutcomeSuccess, []float32{1, 0, 0})
		seedRun(t, store, "run-bad", memory.OutcomeFailure, []float32{0.9, 0.1, 0})

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query})
		require.NoError(t, err)
		assert.Equal(t, memory.PatternSummary{Success: 1, Failure: 1}, resp.Pattern)
		assert.Contains(t, resp.Observations, "1 of 2 related runs succeeded")
	})

	t.Run("outcome filter narrows the scope", func(t *testing.T) {
		store := newTestStore(t)
		seedRun(t, store, "run-ok", memory.OutcomeSuccess, []float32{1, 0, 0})
		seedRun(t, store, "run-bad", memory.OutcomeFailure, []float32{1, 0, 0})

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{
			Query:   query,
			Outcome: memory.OutcomeFailure,
		})
		require.NoError(t, err)
		require.Len(t, resp.RelatedRuns, 1)
		assert.Equal(t, "run-bad", resp.RelatedRuns[0].RunID)
	})

	t.Run("top k caps results", func(t *testing.T) {
		store := newTestStore(t)
		seedRun(t, store, "run-1", memory.OutcomeSuccess, []float32{1, 0, 0})
		seedRun(t, store, "run-2", memory.OutcomeSuccess, []float32{0.95, 0.05, 0})
		seedRun(t, store, "run-3", memory.OutcomeSuccess, []float32{0.9, 0.1, 0})

		resp, err := newEngine(store).Retrieve(ctx, memory.RetrieveRequest{Query: query, TopK: 2})
		require.NoError(t, err)
		assert.Len(t, resp.RelatedRuns, 2)
	})

	t.Run("mismatched query embedding rejected", func(t *testing.T) {
		store := newTestStore(t)
		embedder := &stubEmbedder{dim: testDim + 1}
		engine := memory.NewRetrievalEngine(store, embedder, testConfig())

		_, err := engine.Retrieve(ctx, memory.RetrieveRequest{Query: query})
		var dimErr *memory.DimensionMismatchError
		assert.ErrorAs(t, err, &dimErr)
	})
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newEngine := func(store *badgerstore.Store) *memory.RetrievalEngine {
		return memory.NewRetrievalEngine(store, &stubEmbedder{dim: testDim}, testConfig())
	}
	seed := func(t *testing.T, store *badgerstore.Store, id, agent string, created time.Time) {
		t.Helper()
		exec := memory.NewExecutor(store, testConfig(), nil)
		eval := testEvaluation(id, memory.OutcomeSuccess)
		eval.Payload.AgentID = agent
		eval.Payload.CreatedAt = created
		_, err := exec.Commit(ctx, eval, memory.AddDecision("seed"))
		require.NoError(t, err)
	}

	t.Run("empty store lists nothing", func(t *testing.T) {
		store := newTestStore(t)
		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{})
		require.NoError(t, err)
		assert.Empty(t, resp.Runs)
		assert.Zero(t, resp.TotalCount)
	})

	t.Run("orders newest first with id tiebreak", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "run-old", "builder", base.Add(-time.Hour))
		seed(t, store, "run-new", "builder", base)
		seed(t, store, "run-b", "builder", base.Add(time.Hour))
		seed(t, store, "run-a", "builder", base.Add(time.Hour))

		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 4)
		assert.Equal(t, "run-a", resp.Runs[0].RunID)
		assert.Equal(t, "run-b", resp.Runs[1].RunID)
		assert.Equal(t, "run-new", resp.Runs[2].RunID)
		assert.Equal(t, "run-old", resp.Runs[3].RunID)
	})

	t.Run("agent filter narrows the listing", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "run-1", "builder", base)
		seed(t, store, "run-2", "reviewer", base.Add(time.Minute))

		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{AgentID: "reviewer"})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, "run-2", resp.Runs[0].RunID)
		assert.Equal(t, 1, resp.TotalCount)
	})

	t.Run("limit caps the page but not the total", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "run-1", "builder", base)
		seed(t, store, "run-2", "builder", base.Add(time.Minute))
		seed(t, store, "run-3", "builder", base.Add(2*time.Minute))

		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{Limit: 2})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 2)
		assert.Equal(t, "run-3", resp.Runs[0].RunID)
		assert.Equal(t, "run-2", resp.Runs[1].RunID)
		assert.Equal(t, 3, resp.TotalCount)
	})

	t.Run("superseded runs are excluded", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "run-old", "builder", base)

		exec := memory.NewExecutor(store, testConfig(), nil)
		_, err := exec.Commit(ctx, testEvaluation("run-new", memory.OutcomeSuccess),
			memory.ReplaceDecision("run-old", "better"))
		require.NoError(t, err)

		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, "run-new", resp.Runs[0].RunID)
		assert.Equal(t, 1, resp.TotalCount)
	})

	t.Run("expands task references and artifacts", func(t *testing.T) {
		store := newTestStore(t)
		seed(t, store, "run-1", "builder", base)

		resp, err := newEngine(store).ListRuns(ctx, memory.ListRunsRequest{})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 1)

		run := resp.Runs[0]
		assert.Equal(t, "builder", run.AgentID)
		assert.Equal(t, "add caching to the fetch path", run.TaskText)
		assert.Equal(t, memory.OutcomeSuccess, run.Outcome)
		assert.True(t, base.Equal(run.CreatedAt))
		require.Len(t, run.References, 1)
		assert.Equal(t, "docs/cache.md", run.References[0].SourceRef)
		require.Len(t, run.Artifacts, 1)
		assert.NotEmpty(t, run.Artifacts[0].Hash)
	})
}
