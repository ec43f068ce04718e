// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/recall/services/llm"
)

// RetrievalEngine answers task queries from the retained set. Searches
// run against active records only; superseded runs are invisible here
// even though they remain in the store for lineage.
//
// Thread Safety: safe for concurrent use.
type RetrievalEngine struct {
	store    Store
	embedder llm.Embedder
	cfg      Config
}

// NewRetrievalEngine creates a retrieval engine.
func NewRetrievalEngine(store Store, embedder llm.Embedder, cfg Config) *RetrievalEngine {
	return &RetrievalEngine{store: store, embedder: embedder, cfg: cfg}
}

// Retrieve finds retained runs relevant to a task query.
//
// Description:
//
//	Embeds the query, ranks active runs by cosine similarity, expands
//	each hit one hop (task, references, artifacts), and scores the
//	answer's confidence from the top similarity, corroboration across
//	hits, and outcome agreement. A hit whose run was superseded between
//	search and expansion is dropped rather than returned stale. No
//	matching runs is a valid answer with zero confidence, not an error.
//
// Inputs:
//
//	ctx - Bounds the embedding call and store reads.
//	req - The query plus optional agent/outcome filters and top-K.
//
// Outputs:
//
//	*RetrieveResponse - Ranked related runs, pattern summary,
//	confidence in [0, 1], and human-readable observations.
//	error - EmbeddingServiceError or DimensionMismatchError from the
//	embedding stage; StoreError from the store.
func (r *RetrievalEngine) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	vec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, &EmbeddingServiceError{Provider: "embedder", Err: err}
	}
	if len(vec) != r.cfg.EmbeddingDimension {
		return nil, &DimensionMismatchError{Want: r.cfg.EmbeddingDimension, Got: len(vec)}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.RetrieveLimit
	}

	scope := ActiveRuns()
	scope.AgentID = req.AgentID
	scope.Outcome = req.Outcome

	hits, skipped, err := r.store.VectorSearch(ctx, VectorQuery{
		Label:         LabelRun,
		Vector:        vec,
		Scope:         scope,
		Limit:         topK,
		MinSimilarity: r.cfg.SearchFloor,
	})
	if err != nil {
		return nil, &StoreError{Op: "vector search", Err: err}
	}
	if skipped > 0 {
		slog.Warn("Skipped stored vectors with mismatched dimension",
			"skipped", skipped,
			"dimension", r.cfg.EmbeddingDimension)
	}

	if len(hits) == 0 {
		return &RetrieveResponse{
			RelatedRuns:  []RelatedRun{},
			Observations: []string{"no related runs found"},
		}, nil
	}

	expanded := make([]*RelatedRun, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	for i, hit := range hits {
		g.Go(func() error {
			run, err := r.expandHit(gctx, hit)
			if err != nil {
				return err
			}
			expanded[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &StoreError{Op: "expand hits", Err: err}
	}

	related := make([]RelatedRun, 0, len(expanded))
	for _, run := range expanded {
		if run != nil {
			related = append(related, *run)
		}
	}

	resp := &RetrieveResponse{
		RelatedRuns: related,
		Pattern:     summarizePattern(related),
	}
	resp.Confidence = r.confidence(related)
	resp.Observations = r.observe(related)
	return resp, nil
}

// ListRuns enumerates the active retained runs, newest first.
//
// Description:
//
//	Scans active runs (optionally restricted to one agent), orders them
//	by creation time descending with ties broken by run ID, applies the
//	limit, and expands each survivor one hop. TotalCount reports the
//	matching runs before the limit so callers can page.
func (r *RetrievalEngine) ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error) {
	scope := ActiveRuns()
	scope.AgentID = req.AgentID

	type runStub struct {
		id      string
		created time.Time
	}
	var stubs []runStub
	err := r.store.ScanNodes(ctx, LabelRun, scope, func(n *Node) error {
		stubs = append(stubs, runStub{id: n.ID, created: n.TimeProp(PropCreatedAt)})
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "scan runs", Err: err}
	}

	sort.Slice(stubs, func(i, j int) bool {
		if !stubs[i].created.Equal(stubs[j].created) {
			return stubs[i].created.After(stubs[j].created)
		}
		return stubs[i].id < stubs[j].id
	})

	total := len(stubs)
	if req.Limit > 0 && len(stubs) > req.Limit {
		stubs = stubs[:req.Limit]
	}

	runs := make([]RunDetail, 0, len(stubs))
	err = r.store.View(ctx, func(tx Tx) error {
		for _, stub := range stubs {
			node, err := tx.GetNode(LabelRun, stub.id)
			if err != nil {
				if errors.Is(err, ErrNodeNotFound) {
					continue
				}
				return err
			}
			detail, err := expandRun(tx, node)
			if err != nil {
				return err
			}
			runs = append(runs, *detail)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "expand runs", Err: err}
	}

	return &ListRunsResponse{Runs: runs, TotalCount: total}, nil
}

// expandRun reads a run's one-hop neighborhood into a RunDetail.
func expandRun(tx Tx, node *Node) (*RunDetail, error) {
	detail := &RunDetail{
		RunID:      node.ID,
		AgentID:    node.StringProp(PropAgentID),
		Summary:    node.StringProp(PropSummary),
		Outcome:    Outcome(node.StringProp(PropOutcome)),
		References: []ReferenceDetail{},
		Artifacts:  []ArtifactDetail{},
		CreatedAt:  node.TimeProp(PropCreatedAt),
	}

	tasks, err := tx.Neighbors(RelTriggered, LabelRun, node.ID, Incoming)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		detail.TaskText = tasks[0].StringProp(PropText)
	}

	refs, err := tx.Neighbors(RelReads, LabelRun, node.ID, Outgoing)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		detail.References = append(detail.References, ReferenceDetail{
			ID:        ref.ID,
			Type:      ref.StringProp(PropType),
			SourceRef: ref.StringProp(PropSourceRef),
		})
	}

	arts, err := tx.Neighbors(RelWrites, LabelRun, node.ID, Outgoing)
	if err != nil {
		return nil, err
	}
	for _, art := range arts {
		detail.Artifacts = append(detail.Artifacts, ArtifactDetail{
			ID:   art.ID,
			Type: art.StringProp(PropType),
			Hash: art.StringProp(PropHash),
		})
	}

	return detail, nil
}

// expandHit reads a hit's run node and one-hop neighborhood. Returns nil
// without error when the run was superseded after the search snapshot.
func (r *RetrievalEngine) expandHit(ctx context.Context, hit SearchHit) (*RelatedRun, error) {
	var run *RelatedRun
	err := r.store.View(ctx, func(tx Tx) error {
		node, err := tx.GetNode(LabelRun, hit.ID)
		if err != nil {
			return err
		}
		if Status(node.StringProp(PropStatus)) != StatusActive {
			return nil
		}

		detail, err := expandRun(tx, node)
		if err != nil {
			return err
		}
		run = &RelatedRun{
			RunID:      detail.RunID,
			AgentID:    detail.AgentID,
			Summary:    detail.Summary,
			TaskText:   detail.TaskText,
			Outcome:    detail.Outcome,
			Similarity: hit.Score,
			References: detail.References,
			Artifacts:  detail.Artifacts,
		}
		return nil
	})
	return run, err
}

// confidence scores an answer from top similarity, corroboration, and
// outcome agreement, rounded to two decimals.
func (r *RetrievalEngine) confidence(related []RelatedRun) float64 {
	if len(related) == 0 {
		return 0
	}

	top := related[0].Similarity
	for _, run := range related {
		if run.Similarity > top {
			top = run.Similarity
		}
	}

	corroborating := 0
	for _, run := range related {
		if run.Similarity >= r.cfg.AgreementThreshold {
			corroborating++
		}
	}
	corroboration := float64(corroborating) / float64(len(related))

	counts := map[Outcome]int{}
	for _, run := range related {
		counts[run.Outcome]++
	}
	dominant := 0
	for _, n := range counts {
		if n > dominant {
			dominant = n
		}
	}
	agreement := float64(dominant) / float64(len(related))

	w := r.cfg.Retrieval
	score := w.TopWeight*top + w.CorroborationWeight*corroboration + w.AgreementWeight*agreement
	score = math.Round(score*100) / 100
	return math.Max(0, math.Min(1, score))
}

// summarizePattern tallies outcomes across the related runs.
func summarizePattern(related []RelatedRun) PatternSummary {
	var p PatternSummary
	for _, run := range related {
		switch run.Outcome {
		case OutcomeSuccess:
			p.Success++
		case OutcomeFailure:
			p.Failure++
		case OutcomePartial:
			p.Partial++
		}
	}
	return p
}

// observe derives human-readable observations from the result set.
func (r *RetrievalEngine) observe(related []RelatedRun) []string {
	obs := []string{}
	if len(related) == 0 {
		return append(obs, "no related runs found")
	}

	p := summarizePattern(related)
	total := len(related)
	switch {
	case p.Success == total:
		obs = append(obs, fmt.Sprintf("all %d related runs succeeded", total))
	case p.Failure == total:
		obs = append(obs, fmt.Sprintf("all %d related runs failed; the recorded approach did not work", total))
	default:
		obs = append(obs, fmt.Sprintf("%d of %d related runs succeeded", p.Success, total))
	}

	top := related[0]
	for _, run := range related {
		if run.Similarity > top.Similarity {
			top = run
		}
	}
	if top.Similarity >= r.cfg.HighThreshold {
		obs = append(obs, fmt.Sprintf("a near-identical task was handled before (run %s, similarity %.2f)",
			top.RunID, top.Similarity))
	}

	// Surface references that recur across runs; shared inputs are a
	// strong signal about what the task actually needs.
	refRuns := map[string]int{}
	refType := map[string]string{}
	for _, run := range related {
		seen := map[string]bool{}
		for _, ref := range run.References {
			if seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			refRuns[ref.ID]++
			refType[ref.ID] = ref.Type
		}
	}
	sharedIDs := make([]string, 0, len(refRuns))
	for id, n := range refRuns {
		if n >= 2 {
			sharedIDs = append(sharedIDs, id)
		}
	}
	sort.Strings(sharedIDs)
	for _, id := range sharedIDs {
		obs = append(obs, fmt.Sprintf("%s reference %s was used by %d related runs",
			refType[id], id, refRuns[id]))
	}

	return obs
}
