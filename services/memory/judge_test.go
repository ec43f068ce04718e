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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recall/services/llm"
)

// scriptedClient replays canned completions in order; after the script
// runs out it repeats the last entry.
type scriptedClient struct {
	responses []string
	errs      []error
	calls     int
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	if c.errs != nil && c.errs[i] != nil {
		return "", c.errs[i]
	}
	return c.responses[i], nil
}

func testJudgeConfig() JudgeConfig {
	return JudgeConfig{
		Timeout:        time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func judgeRequest() JudgeRequest {
	return JudgeRequest{
		Summary:  "Added retry handling to the fetch path",
		TaskText: "make fetches resilient",
		Outcome:  OutcomeSuccess,
		Candidates: []SimilarRun{
			{RunID: "run-1", Summary: "Initial fetch implementation", Outcome: OutcomeSuccess, Similarity: 0.9},
			{RunID: "run-2", Summary: "Fetch with caching", Outcome: OutcomePartial, Similarity: 0.85},
		},
	}
}

func TestJudgeEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid add verdict", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"decision": "ADD", "target_run_id": null, "reason": "new information"}`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
		assert.Equal(t, "new information", dec.Reason)
	})

	t.Run("valid replace verdict with known target", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"decision": "REPLACE", "target_run_id": "run-1", "reason": "better version"}`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionReplace, dec.Kind)
		assert.Equal(t, "run-1", dec.TargetID)
	})

	t.Run("code fenced json tolerated", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			"```json\n{\"decision\": \"REJECT\", \"reason\": \"redundant\"}\n```",
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionReject, dec.Kind)
	})

	t.Run("json embedded in prose tolerated", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`Here is my verdict: {"decision": "MERGE", "target_run_id": "run-2", "reason": "complementary"} Hope that helps.`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionMerge, dec.Kind)
		assert.Equal(t, "run-2", dec.TargetID)
	})

	t.Run("unparseable response fails closed to add", func(t *testing.T) {
		client := &scriptedClient{responses: []string{"I think you should keep both runs."}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
		assert.Contains(t, dec.Reason, "invalid")
		assert.Equal(t, 1, client.calls, "invalid content must not be retried")
	})

	t.Run("unknown kind fails closed to add", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"decision": "ARCHIVE", "reason": "old"}`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
		assert.Contains(t, dec.Reason, "invalid")
	})

	t.Run("replace without target fails closed", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"decision": "REPLACE", "reason": "better"}`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
	})

	t.Run("target outside candidates fails closed", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"decision": "MERGE", "target_run_id": "run-99", "reason": "similar"}`,
		}}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
		assert.Contains(t, dec.Reason, "invalid")
	})

	t.Run("transient errors retried then recovered", func(t *testing.T) {
		boom := errors.New("connection reset")
		client := &scriptedClient{
			responses: []string{"", `{"decision": "REJECT", "reason": "redundant"}`},
			errs:      []error{boom, nil},
		}
		dec, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionReject, dec.Kind)
		assert.Equal(t, 2, client.calls)
	})

	t.Run("retry exhaustion fails closed to add", func(t *testing.T) {
		boom := errors.New("connection refused")
		client := &scriptedClient{responses: []string{""}, errs: []error{boom}}
		cfg := testJudgeConfig()
		dec, err := NewJudge(client, cfg, nil).Evaluate(ctx, judgeRequest())
		require.NoError(t, err)
		assert.Equal(t, DecisionAdd, dec.Kind)
		assert.Contains(t, dec.Reason, "unavailable")
		assert.Equal(t, cfg.MaxRetries+1, client.calls)
	})

	t.Run("cancelled context surfaces", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		client := &scriptedClient{responses: []string{`{"decision": "ADD", "reason": "x"}`}}
		_, err := NewJudge(client, testJudgeConfig(), nil).Evaluate(cancelled, judgeRequest())
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("candidates capped in prompt", func(t *testing.T) {
		req := judgeRequest()
		for _, id := range []string{"run-3", "run-4", "run-5"} {
			req.Candidates = append(req.Candidates, SimilarRun{RunID: id, Similarity: 0.8})
		}
		prompt := buildJudgePrompt(JudgeRequest{
			Candidates: req.Candidates[:MaxJudgeCandidates],
		})
		assert.Equal(t, MaxJudgeCandidates, strings.Count(prompt, "Run ID:"))
		assert.NotContains(t, prompt, "run-4")
	})
}

func TestExtractJSON(t *testing.T) {
	t.Run("nested objects stay balanced", func(t *testing.T) {
		raw := `{"decision": "ADD", "meta": {"inner": "{not a brace}"}, "reason": "x"}`
		out, err := extractJSON(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})

	t.Run("braces inside strings ignored", func(t *testing.T) {
		raw := `{"reason": "use { and } carefully"}`
		out, err := extractJSON(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})

	t.Run("unbalanced object errors", func(t *testing.T) {
		_, err := extractJSON(`{"reason": "cut off`)
		assert.Error(t, err)
	})

	t.Run("no object errors", func(t *testing.T) {
		_, err := extractJSON("plain prose")
		assert.Error(t, err)
	})
}
