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
	"math"
	"sort"
	"time"
)

// Scope restricts a search or scan to matching nodes. Zero-value fields
// are ignored.
type Scope struct {
	Status  Status
	AgentID string
	Outcome Outcome
	Since   time.Time
	Until   time.Time
}

// ActiveRuns is the retrieval-side scope: currently active records only.
func ActiveRuns() Scope {
	return Scope{Status: StatusActive}
}

// Matches reports whether a node falls inside the scope.
func (s Scope) Matches(n *Node) bool {
	if s.Status != "" && Status(n.StringProp(PropStatus)) != s.Status {
		return false
	}
	if s.AgentID != "" && n.StringProp(PropAgentID) != s.AgentID {
		return false
	}
	if s.Outcome != "" && Outcome(n.StringProp(PropOutcome)) != s.Outcome {
		return false
	}
	if !s.Since.IsZero() || !s.Until.IsZero() {
		created := n.TimeProp(PropCreatedAt)
		if !s.Since.IsZero() && created.Before(s.Since) {
			return false
		}
		if !s.Until.IsZero() && created.After(s.Until) {
			return false
		}
	}
	return true
}

// VectorQuery is a nearest-neighbor query against one node label.
type VectorQuery struct {
	Label         string
	Vector        []float32
	Scope         Scope
	Limit         int
	MinSimilarity float64
}

// SearchHit is one ranked result with its cosine similarity in [-1, 1].
type SearchHit struct {
	ID        string
	Score     float64
	CreatedAt time.Time
}

// VectorCandidate is a stored vector offered to RankCandidates. Store
// implementations collect these however they index; the ranking contract
// below is what makes a native index and a brute-force scan
// interchangeable.
type VectorCandidate struct {
	ID        string
	Vector    []float32
	CreatedAt time.Time
}

// RankCandidates orders candidates against a query vector.
//
// Description:
//
//	Computes cosine similarity for each candidate, drops those below the
//	floor, and sorts descending by score with ties broken by more recent
//	creation time, then by ID. The ordering is total: reruns over the
//	same candidates always produce the same sequence. Candidates whose
//	stored dimension differs from the query's are skipped, never coerced;
//	the skip count is returned so callers can log the anomaly.
//
// Inputs:
//
//	query - The query embedding.
//	cands - Stored candidates of any dimension.
//	floor - Minimum similarity to keep a candidate.
//	limit - Result cap; <= 0 means unbounded.
//
// Outputs:
//
//	[]SearchHit - Ranked hits, best first.
//	int - Count of candidates skipped for dimension mismatch.
func RankCandidates(query []float32, cands []VectorCandidate, floor float64, limit int) ([]SearchHit, int) {
	hits := make([]SearchHit, 0, len(cands))
	skipped := 0

	for _, c := range cands {
		if len(c.Vector) != len(query) {
			skipped++
			continue
		}
		score := CosineSimilarity(query, c.Vector)
		if score < floor {
			continue
		}
		hits = append(hits, SearchHit{ID: c.ID, Score: score, CreatedAt: c.CreatedAt})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID < hits[j].ID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, skipped
}

// CosineSimilarity computes cosine similarity between equal-length
// vectors. A zero-norm vector scores 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
