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
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/recall/services/llm"
)

// Service is the memory engine's front door: admission control on the
// write side, confidence-scored retrieval on the read side.
//
// Description:
//
//	Submit runs the full admission pipeline: validation, embedding,
//	similarity search, deterministic pre-filter, judge consultation for
//	the ambiguous band, and atomic commit. A commit lost to a concurrent
//	writer is re-evaluated against fresh state up to the configured
//	budget, then degraded to a plain ADD so the run is never lost to
//	contention.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	store     Store
	embedder  llm.Embedder
	judge     *Judge
	executor  *Executor
	retrieval *RetrievalEngine
	cfg       Config
	metrics   *Metrics
	validate  *validator.Validate
	tracer    trace.Tracer
}

// NewService wires the engine components.
func NewService(store Store, embedder llm.Embedder, client llm.Client, cfg Config) *Service {
	metrics := NewMetrics()
	return &Service{
		store:     store,
		embedder:  embedder,
		judge:     NewJudge(client, cfg.Judge, metrics),
		executor:  NewExecutor(store, cfg, metrics),
		retrieval: NewRetrievalEngine(store, embedder, cfg),
		cfg:       cfg,
		metrics:   metrics,
		validate:  validator.New(),
		tracer:    otel.Tracer("recall/memory"),
	}
}

// Submit evaluates a completed run for admission and commits the outcome.
//
// Outputs:
//
//	*SubmitResult - The decision and what was persisted.
//	error - ValidationError, EmbeddingServiceError,
//	DimensionMismatchError, ErrConflict (only after the retry budget and
//	the degraded ADD both lost), or StoreError.
func (s *Service) Submit(ctx context.Context, payload RunPayload) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Submit",
		trace.WithAttributes(attribute.String("run_id", payload.RunID)))
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveSubmit(time.Since(start).Seconds()) }()

	if err := s.validatePayload(payload); err != nil {
		return nil, err
	}

	embedding, err := s.embed(ctx, payload.Summary)
	if err != nil {
		return nil, err
	}
	taskEmbedding, err := s.embed(ctx, payload.TaskText)
	if err != nil {
		return nil, err
	}

	eval := Evaluation{
		Payload:       payload,
		Embedding:     embedding,
		TaskEmbedding: taskEmbedding,
	}

	lastEval := eval
	for attempt := 0; attempt <= s.cfg.MaxConflictRetries; attempt++ {
		dec, prepared, err := s.classify(ctx, eval)
		if err != nil {
			return nil, err
		}
		lastEval = prepared

		result, err := s.executor.Commit(ctx, prepared, dec)
		if err == nil {
			span.SetAttributes(attribute.String("decision", string(result.Kind)))
			slog.Info("Run admission decided",
				"run_id", payload.RunID,
				"decision", result.Kind,
				"target", result.TargetID,
				"attempt", attempt+1)
			return result, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		slog.Warn("Commit lost to concurrent writer, re-evaluating",
			"run_id", payload.RunID,
			"decision", dec.Kind,
			"attempt", attempt+1,
			"budget", s.cfg.MaxConflictRetries)
	}

	// The lineage stayed contended through every re-evaluation. Admit the
	// run as-is rather than dropping it.
	s.metrics.DegradedAdd()
	dec := AddDecision(fmt.Sprintf("degraded to ADD after %d conflicting evaluations",
		s.cfg.MaxConflictRetries+1))
	result, err := s.executor.Commit(ctx, lastEval, dec)
	if err != nil {
		return nil, err
	}
	slog.Warn("Admission degraded to ADD after repeated conflicts",
		"run_id", payload.RunID)
	return result, nil
}

// Retrieve answers a task query from the retained set.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	ctx, span := s.tracer.Start(ctx, "memory.Retrieve")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ObserveRetrieval(time.Since(start).Seconds()) }()

	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Detail: "retrieve request", Err: err}
	}
	if req.Outcome != "" && !ValidOutcomes[req.Outcome] {
		return nil, &ValidationError{Detail: fmt.Sprintf("unknown outcome %q", req.Outcome)}
	}

	resp, err := s.retrieval.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("related_runs", len(resp.RelatedRuns)),
		attribute.Float64("confidence", resp.Confidence))
	return resp, nil
}

// ListRuns enumerates the active retained runs, newest first.
func (s *Service) ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error) {
	ctx, span := s.tracer.Start(ctx, "memory.ListRuns")
	defer span.End()

	if req.Limit < 0 {
		return nil, &ValidationError{Detail: fmt.Sprintf("negative limit %d", req.Limit)}
	}

	resp, err := s.retrieval.ListRuns(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("runs", len(resp.Runs)),
		attribute.Int("total", resp.TotalCount))
	return resp, nil
}

// Stats reports store composition and the decision distribution.
func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	stats := &StatsResponse{Decisions: map[DecisionKind]int{}}

	err := s.store.ScanNodes(ctx, LabelRun, Scope{}, func(n *Node) error {
		switch Status(n.StringProp(PropStatus)) {
		case StatusActive:
			stats.ActiveRuns++
		case StatusSuperseded:
			stats.SupersededRuns++
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "scan runs", Err: err}
	}

	err = s.store.ScanNodes(ctx, LabelDecision, Scope{}, func(n *Node) error {
		kind := DecisionKind(n.StringProp(PropKind))
		if ValidDecisionKinds[kind] {
			stats.Decisions[kind]++
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "scan decisions", Err: err}
	}

	return stats, nil
}

// validatePayload applies structural validation plus the enum checks the
// tag language cannot express.
func (s *Service) validatePayload(p RunPayload) error {
	if err := s.validate.Struct(p); err != nil {
		return &ValidationError{Detail: "run payload", Err: err}
	}
	if !ValidOutcomes[p.Outcome] {
		return &ValidationError{Detail: fmt.Sprintf("unknown outcome %q", p.Outcome)}
	}
	return nil
}

// embed calls the embedding collaborator and enforces the configured
// dimension.
func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &EmbeddingServiceError{Provider: "embedder", Err: err}
	}
	if len(vec) != s.cfg.EmbeddingDimension {
		return nil, &DimensionMismatchError{Want: s.cfg.EmbeddingDimension, Got: len(vec)}
	}
	return vec, nil
}

// classify runs search, pre-filter, and judge against current store state.
// Called fresh on every commit attempt so re-evaluations see the winner's
// writes.
func (s *Service) classify(ctx context.Context, eval Evaluation) (Decision, Evaluation, error) {
	hits, skipped, err := s.store.VectorSearch(ctx, VectorQuery{
		Label:         LabelRun,
		Vector:        eval.Embedding,
		Scope:         ActiveRuns(),
		Limit:         s.cfg.JudgeCandidates,
		MinSimilarity: s.cfg.SearchFloor,
	})
	if err != nil {
		return Decision{}, eval, &StoreError{Op: "vector search", Err: err}
	}
	if skipped > 0 {
		slog.Warn("Skipped stored vectors with mismatched dimension",
			"skipped", skipped,
			"dimension", s.cfg.EmbeddingDimension)
	}

	similar, err := s.similarRuns(ctx, hits)
	if err != nil {
		return Decision{}, eval, err
	}

	if len(similar) > 0 {
		best := similar[0].Similarity
		eval.BestScore = &best
	} else {
		eval.BestScore = nil
	}

	taskID, err := s.resolveTask(ctx, eval.TaskEmbedding)
	if err != nil {
		return Decision{}, eval, err
	}
	eval.TaskID = taskID

	pre := Prefilter(similar, s.cfg.LowThreshold, s.cfg.HighThreshold)
	if pre.Decided {
		return pre.Decision, eval, nil
	}

	dec, err := s.judge.Evaluate(ctx, JudgeRequest{
		Summary:        eval.Payload.Summary,
		TaskText:       eval.Payload.TaskText,
		Outcome:        eval.Payload.Outcome,
		ReferenceCount: len(eval.Payload.References),
		ArtifactCount:  len(eval.Payload.Artifacts),
		Candidates:     similar,
		Hint:           pre.Hint,
	})
	if err != nil {
		return Decision{}, eval, err
	}
	return dec, eval, nil
}

// similarRuns expands ranked hits into the candidate views the pre-filter
// and judge consume.
func (s *Service) similarRuns(ctx context.Context, hits []SearchHit) ([]SimilarRun, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	similar := make([]SimilarRun, 0, len(hits))
	err := s.store.View(ctx, func(tx Tx) error {
		for _, hit := range hits {
			node, err := tx.GetNode(LabelRun, hit.ID)
			if err != nil {
				if errors.Is(err, ErrNodeNotFound) {
					continue
				}
				return err
			}
			refs, err := tx.Neighbors(RelReads, LabelRun, node.ID, Outgoing)
			if err != nil {
				return err
			}
			arts, err := tx.Neighbors(RelWrites, LabelRun, node.ID, Outgoing)
			if err != nil {
				return err
			}
			similar = append(similar, SimilarRun{
				RunID:          node.ID,
				Summary:        node.StringProp(PropSummary),
				Outcome:        Outcome(node.StringProp(PropOutcome)),
				Similarity:     hit.Score,
				ReferenceCount: len(refs),
				ArtifactCount:  len(arts),
				CreatedAt:      node.TimeProp(PropCreatedAt),
			})
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Op: "load candidates", Err: err}
	}
	return similar, nil
}

// resolveTask reuses an existing task node when the incoming task text is
// close enough to one already stored.
func (s *Service) resolveTask(ctx context.Context, taskEmbedding []float32) (string, error) {
	hits, _, err := s.store.VectorSearch(ctx, VectorQuery{
		Label:         LabelTask,
		Vector:        taskEmbedding,
		Limit:         1,
		MinSimilarity: s.cfg.TaskThreshold,
	})
	if err != nil {
		return "", &StoreError{Op: "task search", Err: err}
	}
	if len(hits) == 0 {
		return "", nil
	}
	return hits[0].ID, nil
}
