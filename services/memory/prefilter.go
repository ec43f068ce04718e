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

import "fmt"

// Reasons produced by the deterministic pre-filter.
const (
	ReasonNoSimilar = "no similar records"
	ReasonBelowLow  = "below low-similarity threshold"
)

// PrefilterResult is either a final decision or a deferral to the judge,
// optionally with a hint for the judge prompt.
type PrefilterResult struct {
	// Decided reports whether Decision is final.
	Decided  bool
	Decision Decision

	// Hint is set on high-similarity deferrals to steer the judge toward
	// REPLACE/MERGE. It never constrains validation of the verdict.
	Hint DecisionKind
}

// Prefilter classifies an incoming run against its ranked candidates.
//
// Description:
//
//	Pure function of the candidate list and the two thresholds; performs
//	no I/O. Rules in order: no candidates admits the run; best score
//	below low admits it; best score at or above high defers with a
//	REPLACE hint; anything between defers with no hint. Candidates must
//	arrive best-first, as RankCandidates produces them.
//
// Inputs:
//
//	similar - Ranked candidates, best first. May be empty.
//	low - Below this, the run is clearly new.
//	high - At or above this, the run clearly overlaps a retained one.
//
// Outputs:
//
//	PrefilterResult - Final decision or deferral.
func Prefilter(similar []SimilarRun, low, high float64) PrefilterResult {
	if len(similar) == 0 {
		return PrefilterResult{
			Decided:  true,
			Decision: AddDecision(ReasonNoSimilar),
		}
	}

	best := similar[0]
	if best.Similarity < low {
		return PrefilterResult{
			Decided: true,
			Decision: AddDecision(fmt.Sprintf("%s (%.2f < %.2f)",
				ReasonBelowLow, best.Similarity, low)),
		}
	}

	if best.Similarity >= high {
		return PrefilterResult{Hint: DecisionReplace}
	}

	return PrefilterResult{}
}
