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
	"strings"
	"time"

	"github.com/google/uuid"
)

// Evaluation is the context a decision was made in: the payload, its
// embedding, and what the search stage saw. It travels from classification
// to commit so the audit record reflects the inputs, not a re-read.
type Evaluation struct {
	Payload   RunPayload
	Embedding []float32

	// TaskID is the resolved existing task node, or "" to derive one from
	// the task text.
	TaskID string

	// TaskEmbedding is stored on a newly created task node so later
	// submissions can resolve against it.
	TaskEmbedding []float32

	// BestScore is the top similarity observed during search; nil when no
	// candidates existed.
	BestScore *float64
}

// Executor commits admission decisions. Every commit is a single atomic
// unit of work: the run subgraph, any supersession or canonical-group
// mutation, and the decision record land together or not at all.
//
// Thread Safety: safe for concurrent use; contention on the same target
// run surfaces as ErrConflict from the store.
type Executor struct {
	store   Store
	cfg     Config
	metrics *Metrics

	clock func() time.Time
	newID func() string
}

// NewExecutor creates a decision executor.
func NewExecutor(store Store, cfg Config, metrics *Metrics) *Executor {
	return &Executor{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		clock:   time.Now,
		newID:   uuid.NewString,
	}
}

// Commit applies a decision to the store.
//
// Description:
//
//	REJECT writes only the decision record. ADD, REPLACE, and MERGE
//	persist the run subgraph (run node, task linkage, references,
//	artifacts, outcome edge) plus the decision record; REPLACE
//	additionally resolves the target's supersession chain and retires
//	the chain head, and MERGE binds the target and the new run into a
//	canonical group. A stale target (already superseded, or mutated
//	under our feet) fails the whole unit with ErrConflict so the caller
//	can re-evaluate against fresh state.
//
// Inputs:
//
//	ctx - Cancels the commit before the unit of work starts.
//	eval - The evaluation context for the decision.
//	dec - A valid decision.
//
// Outputs:
//
//	*SubmitResult - What was persisted, including the chain-resolved
//	target and the canonical group member for MERGE.
//	error - ErrConflict (possibly wrapped) on lost races; StoreError
//	otherwise.
func (e *Executor) Commit(ctx context.Context, eval Evaluation, dec Decision) (*SubmitResult, error) {
	if err := dec.Validate(); err != nil {
		return nil, &ValidationError{Detail: "decision", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := eval.Payload.CreatedAt
	if now.IsZero() {
		now = e.clock()
	}

	result := &SubmitResult{
		Kind:             dec.Kind,
		Reason:           dec.Reason,
		DecisionRecordID: e.newID(),
	}

	err := e.store.Atomic(ctx, func(tx Tx) error {
		switch dec.Kind {
		case DecisionReject:
			// Nothing is retained; only the audit trail grows.

		case DecisionAdd:
			if err := e.persistRun(tx, eval, now); err != nil {
				return err
			}
			result.RunID = eval.Payload.RunID

		case DecisionReplace:
			if err := e.persistRun(tx, eval, now); err != nil {
				return err
			}
			resolved, err := e.resolveChain(tx, dec.TargetID)
			if err != nil {
				return err
			}
			if resolved != dec.TargetID {
				result.Reason = fmt.Sprintf("%s (supersession chain resolved %s -> %s)",
					dec.Reason, dec.TargetID, resolved)
			}
			err = tx.SetProperties(LabelRun, resolved, map[string]any{
				PropStatus:       string(StatusSuperseded),
				PropSupersededBy: eval.Payload.RunID,
			}, &Guard{Field: PropStatus, Expected: string(StatusActive)})
			if err != nil {
				return err
			}
			result.RunID = eval.Payload.RunID
			result.TargetID = resolved

		case DecisionMerge:
			if err := e.persistRun(tx, eval, now); err != nil {
				return err
			}
			target, err := tx.GetNode(LabelRun, dec.TargetID)
			if err != nil {
				if errors.Is(err, ErrNodeNotFound) {
					return fmt.Errorf("merge target %s: %w", dec.TargetID, ErrConflict)
				}
				return err
			}
			if Status(target.StringProp(PropStatus)) != StatusActive {
				return fmt.Errorf("merge target %s is superseded: %w", dec.TargetID, ErrConflict)
			}
			canonical := chooseCanonical(
				eval.Payload.RunID, eval.Payload.Outcome, now,
				target.ID, Outcome(target.StringProp(PropOutcome)), target.TimeProp(PropCreatedAt),
			)
			err = tx.SetProperties(LabelRun, target.ID,
				map[string]any{PropCanonicalRun: canonical},
				&Guard{Field: PropStatus, Expected: string(StatusActive)})
			if err != nil {
				return err
			}
			err = tx.SetProperties(LabelRun, eval.Payload.RunID,
				map[string]any{PropCanonicalRun: canonical}, nil)
			if err != nil {
				return err
			}
			result.RunID = eval.Payload.RunID
			result.TargetID = target.ID
			result.CanonicalID = canonical
		}

		return tx.CreateNode(e.decisionNode(result, eval, now))
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.CommitConflict()
			return nil, err
		}
		return nil, &StoreError{Op: "commit", Err: err}
	}

	e.metrics.Decision(dec.Kind)
	return result, nil
}

// persistRun writes the run node and its one-hop subgraph.
func (e *Executor) persistRun(tx Tx, eval Evaluation, now time.Time) error {
	p := eval.Payload

	taskID := eval.TaskID
	if taskID == "" {
		taskID = HashID(LabelTask, p.TaskText)
	}
	err := tx.EnsureNode(&Node{
		Label:  LabelTask,
		ID:     taskID,
		Props:  map[string]any{PropText: p.TaskText},
		Vector: eval.TaskEmbedding,
	})
	if err != nil {
		return err
	}

	err = tx.CreateNode(&Node{
		Label: LabelRun,
		ID:    p.RunID,
		Props: map[string]any{
			PropAgentID:   p.AgentID,
			PropSummary:   p.Summary,
			PropOutcome:   string(p.Outcome),
			PropStatus:    string(StatusActive),
			PropCreatedAt: now.UTC().Format(time.RFC3339Nano),
		},
		Vector: eval.Embedding,
	})
	if err != nil {
		return err
	}

	if err := tx.Relate(RelTriggered, LabelTask, taskID, LabelRun, p.RunID); err != nil {
		return err
	}
	if err := tx.Relate(RelEndedWith, LabelRun, p.RunID, LabelOutcome, string(p.Outcome)); err != nil {
		return err
	}

	for _, ref := range p.References {
		id := HashID("ref", ref.Content)
		err := tx.EnsureNode(&Node{
			Label: LabelReference,
			ID:    id,
			Props: map[string]any{
				PropType:      ref.Type,
				PropText:      ref.Content,
				PropSourceRef: ref.SourceRef,
			},
		})
		if err != nil {
			return err
		}
		if err := tx.Relate(RelReads, LabelRun, p.RunID, LabelReference, id); err != nil {
			return err
		}
	}

	for _, art := range p.Artifacts {
		id := HashID(LabelArtifact, art.Content)
		err := tx.EnsureNode(&Node{
			Label: LabelArtifact,
			ID:    id,
			Props: map[string]any{
				PropType: art.Type,
				PropHash: strings.TrimPrefix(id, LabelArtifact+"_"),
			},
		})
		if err != nil {
			return err
		}
		if err := tx.Relate(RelWrites, LabelRun, p.RunID, LabelArtifact, id); err != nil {
			return err
		}
	}

	return nil
}

// resolveChain follows superseded_by pointers from target to the active
// chain head, inside the same unit of work that will retire it.
func (e *Executor) resolveChain(tx Tx, target string) (string, error) {
	seen := map[string]bool{}
	cur := target
	for hop := 0; hop <= e.cfg.MaxChainHops; hop++ {
		if seen[cur] {
			return "", fmt.Errorf("supersession cycle at %s: %w", cur, ErrLineageBound)
		}
		seen[cur] = true

		node, err := tx.GetNode(LabelRun, cur)
		if err != nil {
			if errors.Is(err, ErrNodeNotFound) {
				return "", fmt.Errorf("replace target %s: %w", cur, ErrConflict)
			}
			return "", err
		}
		if Status(node.StringProp(PropStatus)) == StatusActive {
			return cur, nil
		}
		next := node.StringProp(PropSupersededBy)
		if next == "" {
			return "", fmt.Errorf("superseded run %s has no successor: %w", cur, ErrLineageBound)
		}
		cur = next
	}
	return "", fmt.Errorf("chain from %s exceeds %d hops: %w", target, e.cfg.MaxChainHops, ErrLineageBound)
}

// decisionNode builds the immutable audit record for this evaluation.
func (e *Executor) decisionNode(result *SubmitResult, eval Evaluation, now time.Time) *Node {
	props := map[string]any{
		PropRunID:     eval.Payload.RunID,
		PropKind:      string(result.Kind),
		PropReason:    result.Reason,
		PropCreatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if result.TargetID != "" {
		props[PropTargetID] = result.TargetID
	}
	if eval.BestScore != nil {
		props[PropBestScore] = *eval.BestScore
	}
	return &Node{Label: LabelDecision, ID: result.DecisionRecordID, Props: props}
}

// chooseCanonical picks the canonical member of a merge group: a
// successful run outranks an unsuccessful one, then the more recent
// creation wins, then the lexicographically lower run ID.
func chooseCanonical(aID string, aOutcome Outcome, aCreated time.Time,
	bID string, bOutcome Outcome, bCreated time.Time) string {
	aSuccess := aOutcome == OutcomeSuccess
	bSuccess := bOutcome == OutcomeSuccess
	if aSuccess != bSuccess {
		if aSuccess {
			return aID
		}
		return bID
	}
	if !aCreated.Equal(bCreated) {
		if aCreated.After(bCreated) {
			return aID
		}
		return bID
	}
	if aID < bID {
		return aID
	}
	return bID
}
