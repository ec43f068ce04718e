// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the run-centric memory engine: admission
// control for completed agent runs (ADD / REJECT / REPLACE / MERGE) and
// confidence-scored retrieval over the retained set.
//
// The engine is built from five components wired by Service:
//
//   - similarity search over the graph store (search.go)
//   - a deterministic pre-filter (prefilter.go)
//   - a judge adapter for ambiguous cases (judge.go)
//   - a decision executor that commits atomically (executor.go)
//   - a retrieval engine for incoming task queries (retrieval.go)
//
// Thread Safety: Service, Executor, Judge, and RetrievalEngine are safe
// for concurrent use. Evaluations targeting the same lineage are
// serialized by compare-and-set on the target run's status.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Outcome is the enumerated result tag attached to a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// ValidOutcomes is the set of valid run outcomes.
var ValidOutcomes = map[Outcome]bool{
	OutcomeSuccess: true,
	OutcomeFailure: true,
	OutcomePartial: true,
}

// Status is the lifecycle status of a run. The only legal transition is
// active -> superseded; there is no way back.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// DecisionKind is the admission classification for an incoming run.
type DecisionKind string

const (
	DecisionAdd     DecisionKind = "ADD"
	DecisionReject  DecisionKind = "REJECT"
	DecisionReplace DecisionKind = "REPLACE"
	DecisionMerge   DecisionKind = "MERGE"
)

// ValidDecisionKinds is the set of valid decision kinds.
var ValidDecisionKinds = map[DecisionKind]bool{
	DecisionAdd:     true,
	DecisionReject:  true,
	DecisionReplace: true,
	DecisionMerge:   true,
}

// Node labels used in the graph store.
const (
	LabelTask      = "task"
	LabelRun       = "run"
	LabelReference = "reference"
	LabelArtifact  = "artifact"
	LabelOutcome   = "outcome"
	LabelDecision  = "decision"
)

// Relationship types used in the graph store.
const (
	RelTriggered = "TRIGGERED"  // task -> run
	RelReads     = "READS"      // run -> reference
	RelWrites    = "WRITES"     // run -> artifact
	RelEndedWith = "ENDED_WITH" // run -> outcome
)

// Property keys on stored nodes. Timestamps are RFC 3339 strings.
const (
	PropAgentID      = "agent_id"
	PropSummary      = "summary"
	PropText         = "text"
	PropOutcome      = "outcome"
	PropStatus       = "status"
	PropCreatedAt    = "created_at"
	PropSupersededBy = "superseded_by"
	PropCanonicalRun = "canonical_run_id"
	PropType         = "type"
	PropSourceRef    = "source_ref"
	PropHash         = "hash"
	PropRunID        = "run_id"
	PropKind         = "kind"
	PropTargetID     = "target_run_id"
	PropReason       = "reason"
	PropBestScore    = "best_score"
	PropLabel        = "label"
)

// Node is a typed record in the graph store. The store owns the graph;
// relationships are held as back-references by ID lookup, never embedded
// pointers.
type Node struct {
	Label  string         `json:"label"`
	ID     string         `json:"id"`
	Props  map[string]any `json:"props"`
	Vector []float32      `json:"vector,omitempty"`
}

// StringProp returns a string property, or "" when absent or mistyped.
func (n *Node) StringProp(key string) string {
	v, _ := n.Props[key].(string)
	return v
}

// FloatProp returns a numeric property, or 0 when absent.
func (n *Node) FloatProp(key string) float64 {
	switch v := n.Props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// TimeProp parses an RFC 3339 property, returning the zero time on failure.
func (n *Node) TimeProp(key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, n.StringProp(key))
	if err != nil {
		return time.Time{}
	}
	return t
}

// RunPayload is a completed run submitted for admission. Summaries and
// reference/artifact extraction happen upstream; the payload arrives with
// both already in place.
type RunPayload struct {
	RunID     string    `json:"run_id" validate:"required,excludesall=/"`
	AgentID   string    `json:"agent_id" validate:"required"`
	TaskText  string    `json:"task_text" validate:"required"`
	Summary   string    `json:"summary" validate:"required"`
	Outcome   Outcome   `json:"outcome" validate:"required"`
	CreatedAt time.Time `json:"created_at"`

	References []ReferenceInput `json:"references" validate:"dive"`
	Artifacts  []ArtifactInput  `json:"artifacts" validate:"dive"`
}

// ReferenceInput is a piece of information read during a run. Deduplicated
// by content hash across runs.
type ReferenceInput struct {
	Type      string `json:"type" validate:"required"`
	Content   string `json:"content" validate:"required"`
	SourceRef string `json:"source_ref"`
}

// ArtifactInput is a piece of information produced during a run.
// Deduplicated by content hash across runs.
type ArtifactInput struct {
	Type    string `json:"type" validate:"required"`
	Content string `json:"content" validate:"required"`
}

// SimilarRun is a retained run ranked against an incoming one. The judge
// sees at most three of these per evaluation.
type SimilarRun struct {
	RunID          string    `json:"run_id"`
	Summary        string    `json:"summary"`
	Outcome        Outcome   `json:"outcome"`
	Similarity     float64   `json:"similarity"`
	ReferenceCount int       `json:"reference_count"`
	ArtifactCount  int       `json:"artifact_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision is the admission classification, a closed variant: ADD and
// REJECT carry no target; REPLACE and MERGE carry the ID of the retained
// run they act on. Construct through the *Decision helpers so Validate
// holds by construction.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	TargetID string       `json:"target_run_id,omitempty"`
	Reason   string       `json:"reason"`
}

// AddDecision classifies the run as new, non-redundant information.
func AddDecision(reason string) Decision {
	return Decision{Kind: DecisionAdd, Reason: reason}
}

// RejectDecision classifies the run as redundant; nothing is persisted
// except the decision record.
func RejectDecision(reason string) Decision {
	return Decision{Kind: DecisionReject, Reason: reason}
}

// ReplaceDecision classifies the run as a better version of target.
func ReplaceDecision(targetID, reason string) Decision {
	return Decision{Kind: DecisionReplace, TargetID: targetID, Reason: reason}
}

// MergeDecision classifies the run as complementary to target; both stay
// active under one canonical-group pointer.
func MergeDecision(targetID, reason string) Decision {
	return Decision{Kind: DecisionMerge, TargetID: targetID, Reason: reason}
}

// Validate checks the kind/target pairing.
func (d Decision) Validate() error {
	if !ValidDecisionKinds[d.Kind] {
		return fmt.Errorf("invalid decision kind %q", d.Kind)
	}
	switch d.Kind {
	case DecisionReplace, DecisionMerge:
		if d.TargetID == "" {
			return fmt.Errorf("%s decision requires a target run id", d.Kind)
		}
	default:
		if d.TargetID != "" {
			return fmt.Errorf("%s decision must not carry a target run id", d.Kind)
		}
	}
	return nil
}

// DecisionRecord is the immutable audit entry appended once per admission
// evaluation, including REJECT outcomes where no run is persisted. No field
// is ever updated after creation.
type DecisionRecord struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Kind      DecisionKind `json:"kind"`
	TargetID  string       `json:"target_run_id,omitempty"`
	Reason    string       `json:"reason"`
	BestScore *float64     `json:"best_score,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SubmitResult is the outcome of one admission evaluation.
type SubmitResult struct {
	Kind DecisionKind `json:"decision"`

	// RunID is the persisted run's ID; empty on REJECT.
	RunID string `json:"run_id,omitempty"`

	// TargetID is the retained run acted on; set for REPLACE and MERGE.
	TargetID string `json:"target_run_id,omitempty"`

	// CanonicalID is the canonical member chosen by a MERGE.
	CanonicalID string `json:"canonical_run_id,omitempty"`

	Reason           string `json:"reason"`
	DecisionRecordID string `json:"decision_record_id"`
}

// RetrieveRequest asks for context relevant to an incoming task.
type RetrieveRequest struct {
	Query   string  `json:"query" validate:"required"`
	AgentID string  `json:"agent_id"`
	Outcome Outcome `json:"outcome"`
	TopK    int     `json:"top_k"`
}

// ReferenceDetail describes a reference attached to a related run.
type ReferenceDetail struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SourceRef string `json:"source_ref,omitempty"`
}

// ArtifactDetail describes an artifact attached to a related run.
type ArtifactDetail struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Hash string `json:"hash"`
}

// RelatedRun is one retrieval hit with its one-hop neighborhood expanded.
type RelatedRun struct {
	RunID      string            `json:"run_id"`
	AgentID    string            `json:"agent_id"`
	Summary    string            `json:"summary"`
	TaskText   string            `json:"task_text,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Similarity float64           `json:"similarity"`
	References []ReferenceDetail `json:"references"`
	Artifacts  []ArtifactDetail  `json:"artifacts"`
}

// ListRunsRequest asks for the retained active runs, newest first.
type ListRunsRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
}

// RunDetail is one retained run with its one-hop neighborhood expanded.
// Unlike RelatedRun it carries no similarity; listing is not a search.
type RunDetail struct {
	RunID      string            `json:"run_id"`
	AgentID    string            `json:"agent_id"`
	Summary    string            `json:"summary"`
	TaskText   string            `json:"task_text,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	References []ReferenceDetail `json:"references"`
	Artifacts  []ArtifactDetail  `json:"artifacts"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ListRunsResponse enumerates the active runs.
type ListRunsResponse struct {
	Runs       []RunDetail `json:"runs"`
	TotalCount int         `json:"total_count"`
}

// PatternSummary aggregates outcomes across retrieval hits.
type PatternSummary struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Partial int `json:"partial"`
}

// RetrieveResponse is the confidence-scored answer to a task query.
type RetrieveResponse struct {
	Confidence   float64        `json:"confidence"`
	RelatedRuns  []RelatedRun   `json:"related_runs"`
	Pattern      PatternSummary `json:"pattern"`
	Observations []string       `json:"observations"`
}

// StatsResponse reports store composition and the decision distribution.
type StatsResponse struct {
	ActiveRuns     int                  `json:"active_runs"`
	SupersededRuns int                  `json:"superseded_runs"`
	Decisions      map[DecisionKind]int `json:"decisions"`
}

// HashID derives a deterministic, content-addressed node ID.
func HashID(prefix, content string) string {
	sum := sha256.Sum256([]byte(content))
	return prefix + "_" + hex.EncodeToString(sum[:])[:16]
}
