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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/recall/services/llm"
)

// judgeSystemPrompt frames the judge as a memory curator with a strict
// JSON contract.
const judgeSystemPrompt = "You are a memory curator for agent workflows. " +
	"Respond with JSON only. No markdown, no code blocks."

// MaxJudgeCandidates is the hard cap on candidates shown to the judge.
const MaxJudgeCandidates = 3

// JudgeRequest is the structured request sent to the judging collaborator.
type JudgeRequest struct {
	Summary        string
	TaskText       string
	Outcome        Outcome
	ReferenceCount int
	ArtifactCount  int

	// Candidates are ranked best-first; the adapter truncates to
	// MaxJudgeCandidates.
	Candidates []SimilarRun

	// Hint carries the pre-filter's REPLACE/MERGE lean, if any.
	Hint DecisionKind
}

// judgeVerdict is the wire shape of the collaborator's response.
type judgeVerdict struct {
	Decision    string `json:"decision"`
	TargetRunID string `json:"target_run_id"`
	Reason      string `json:"reason"`
}

// Judge adapts the external judging collaborator into the decision
// protocol: it builds the request, bounds the call with timeout, retry,
// and rate limit, validates the structured response, and fails closed to
// ADD on anything invalid.
type Judge struct {
	client  llm.Client
	cfg     JudgeConfig
	limiter *rate.Limiter
	metrics *Metrics
}

// NewJudge creates a judge adapter.
func NewJudge(client llm.Client, cfg JudgeConfig, metrics *Metrics) *Judge {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Judge{client: client, cfg: cfg, limiter: limiter, metrics: metrics}
}

// Evaluate asks the collaborator to classify the run.
//
// Description:
//
//	Invokes the judge with bounded retries and exponential backoff for
//	transient failures. An invalid response (unknown kind, missing or
//	unknown target) is a JudgeError and is not retried: the adapter
//	fails closed to ADD immediately, recording why. Retry exhaustion
//	also fails closed to ADD. Context cancellation is the only error
//	surfaced to the caller, so a cancelled evaluation commits nothing.
//
// Inputs:
//
//	ctx - Bounds the whole exchange; the per-call timeout comes from config.
//	req - The structured judge request.
//
// Outputs:
//
//	Decision - Always valid; ADD when the judge could not be trusted.
//	error - Non-nil only on context cancellation.
func (j *Judge) Evaluate(ctx context.Context, req JudgeRequest) (Decision, error) {
	if len(req.Candidates) > MaxJudgeCandidates {
		req.Candidates = req.Candidates[:MaxJudgeCandidates]
	}
	prompt := buildJudgePrompt(req)

	backoff := j.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= j.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				return Decision{}, err
			}
		}

		raw, err := j.complete(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			lastErr = err
			j.metrics.JudgeFailure("transient")
			slog.Warn("Judge call failed, retrying",
				"attempt", attempt+1,
				"max_retries", j.cfg.MaxRetries,
				"error", err)
			if attempt < j.cfg.MaxRetries {
				select {
				case <-ctx.Done():
					return Decision{}, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if j.cfg.MaxBackoff > 0 && backoff > j.cfg.MaxBackoff {
					backoff = j.cfg.MaxBackoff
				}
			}
			continue
		}

		dec, jerr := parseVerdict(raw, req.Candidates)
		if jerr != nil {
			// Invalid content, not a transport failure: retrying the
			// same prompt would re-invite the same malformed answer.
			j.metrics.JudgeFailure("invalid")
			slog.Warn("Judge response invalid, failing closed to ADD", "error", jerr)
			return AddDecision(fmt.Sprintf("judge response invalid: %v; defaulting to ADD", jerr)), nil
		}
		return dec, nil
	}

	j.metrics.JudgeFailure("exhausted")
	slog.Error("Judge unavailable after retries, failing closed to ADD",
		"retries", j.cfg.MaxRetries,
		"error", lastErr)
	return AddDecision(fmt.Sprintf("judge unavailable after %d retries: %v; defaulting to ADD",
		j.cfg.MaxRetries, lastErr)), nil
}

// complete performs one bounded collaborator call.
func (j *Judge) complete(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if j.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}
	return j.client.Complete(callCtx, llm.CompletionRequest{
		System:      judgeSystemPrompt,
		Prompt:      prompt,
		JSON:        true,
		MaxTokens:   200,
		Temperature: 0.1,
	})
}

// buildJudgePrompt renders the decision prompt.
func buildJudgePrompt(req JudgeRequest) string {
	var b strings.Builder

	b.WriteString("You are deciding whether to store a new agent run in long-term memory.\n\n")
	fmt.Fprintf(&b, "NEW RUN:\nTask: %s\nSummary: %s\nOutcome: %s\nReferences: %d\nArtifacts: %d\n\n",
		req.TaskText, req.Summary, req.Outcome, req.ReferenceCount, req.ArtifactCount)

	b.WriteString("SIMILAR EXISTING RUNS:\n")
	if len(req.Candidates) == 0 {
		b.WriteString("None found\n")
	}
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- Run ID: %s\n  Summary: %s\n  Outcome: %s\n  Similarity: %.2f\n  References: %d, Artifacts: %d\n",
			c.RunID, c.Summary, c.Outcome, c.Similarity, c.ReferenceCount, c.ArtifactCount)
	}

	b.WriteString("\nChoose exactly ONE action:\n\n")
	b.WriteString("ADD: The new run adds valuable, non-redundant information\n")
	b.WriteString("REJECT: The new run is redundant or adds little value compared to existing runs\n")
	b.WriteString("REPLACE: The new run is a better version of an existing run (specify target_run_id)\n")
	b.WriteString("MERGE: The new run is similar but complementary to an existing run (specify target_run_id)\n\n")

	if req.Hint == DecisionReplace || req.Hint == DecisionMerge {
		b.WriteString("The new run is near-identical to the best match; lean toward REPLACE or MERGE unless it is clearly redundant.\n\n")
	}

	b.WriteString("Prioritize:\n- Correctness and usefulness\n- Avoiding redundancy\n- Preserving valuable patterns\n- Replacing outdated information when appropriate\n\n")
	b.WriteString("CRITICAL: You MUST respond with ONLY valid JSON. Start with { and end with }.\n\n")
	b.WriteString("Required JSON format:\n{\n  \"decision\": \"ADD\",\n  \"target_run_id\": null,\n  \"reason\": \"brief explanation\"\n}\n\n")
	b.WriteString("For REPLACE or MERGE, set target_run_id to the run_id from SIMILAR EXISTING RUNS above.\nFor ADD or REJECT, set target_run_id to null.")

	return b.String()
}

// parseVerdict validates the collaborator's structured response.
//
// The decision must be one of the four kinds, and REPLACE/MERGE must name
// one of the candidate IDs the judge was shown. Anything else is a
// JudgeError.
func parseVerdict(raw string, candidates []SimilarRun) (Decision, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return Decision{}, &JudgeError{Detail: "unparseable response", Err: err}
	}

	var v judgeVerdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return Decision{}, &JudgeError{Detail: "malformed JSON", Err: err}
	}

	kind := DecisionKind(strings.ToUpper(strings.TrimSpace(v.Decision)))
	if !ValidDecisionKinds[kind] {
		return Decision{}, &JudgeError{Detail: fmt.Sprintf("unknown decision kind %q", v.Decision)}
	}

	reason := strings.TrimSpace(v.Reason)
	if reason == "" {
		reason = "no reason provided"
	}

	switch kind {
	case DecisionAdd:
		return AddDecision(reason), nil
	case DecisionReject:
		return RejectDecision(reason), nil
	}

	target := strings.TrimSpace(v.TargetRunID)
	if target == "" {
		return Decision{}, &JudgeError{Detail: fmt.Sprintf("%s verdict missing target_run_id", kind)}
	}
	known := false
	for _, c := range candidates {
		if c.RunID == target {
			known = true
			break
		}
	}
	if !known {
		return Decision{}, &JudgeError{Detail: fmt.Sprintf("%s target %q is not a supplied candidate", kind, target)}
	}

	if kind == DecisionReplace {
		return ReplaceDecision(target, reason), nil
	}
	return MergeDecision(target, reason), nil
}

// extractJSON tolerates judges that wrap their JSON in code fences or
// prose: it strips fences and returns the first balanced object.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}
