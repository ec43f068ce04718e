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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recall/services/memory"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _ := newService(t, &judgeStub{})
	router := gin.New()
	v1 := router.Group("/v1")
	memory.RegisterRoutes(v1, memory.NewHandlers(svc))
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const submitBody = `{
	"run_id": "run-1",
	"agent_id": "builder",
	"task_text": "add caching to the fetch path",
	"summary": "Added an LRU cache in front of the fetcher",
	"outcome": "success",
	"references": [{"type": "doc", "content": "cache design notes"}]
}`

func TestHandleSubmit(t *testing.T) {
	t.Run("valid payload returns the decision", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs", submitBody)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var result memory.SubmitResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.Equal(t, memory.DecisionAdd, result.Kind)
		assert.Equal(t, "run-1", result.RunID)
		assert.NotEmpty(t, result.DecisionRecordID)
	})

	t.Run("malformed json is a 400", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp memory.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_REQUEST", resp.Code)
	})

	t.Run("invalid payload is a 400", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs",
			`{"run_id": "run-1", "agent_id": "builder"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp memory.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	})

	t.Run("request id echoed", func(t *testing.T) {
		router := newTestRouter(t)
		req := httptest.NewRequest(http.MethodPost, "/v1/memory/runs", strings.NewReader(submitBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-ID", "req-42")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	})
}

func TestHandleRetrieve(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs", submitBody)
		require.Equal(t, http.StatusOK, w.Code)

		w = doJSON(router, http.MethodPost, "/v1/memory/retrieve",
			`{"query": "Added an LRU cache in front of the fetcher"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp memory.RetrieveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.RelatedRuns, 1)
		assert.Equal(t, "run-1", resp.RelatedRuns[0].RunID)
		assert.Positive(t, resp.Confidence)
	})

	t.Run("missing query is a 400", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/retrieve", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty store answers with zero confidence", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/retrieve", `{"query": "anything"}`)
		require.Equal(t, http.StatusOK, w.Code)

		var resp memory.RetrieveResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Zero(t, resp.Confidence)
		assert.Empty(t, resp.RelatedRuns)
	})
}

func TestHandleListRuns(t *testing.T) {
	t.Run("lists the submitted run", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs", submitBody)
		require.Equal(t, http.StatusOK, w.Code)

		req := httptest.NewRequest(http.MethodGet, "/v1/memory/runs?agent_id=builder", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp memory.ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Runs, 1)
		assert.Equal(t, "run-1", resp.Runs[0].RunID)
		assert.Equal(t, "add caching to the fetch path", resp.Runs[0].TaskText)
		require.Len(t, resp.Runs[0].References, 1)
		assert.Equal(t, 1, resp.TotalCount)
	})

	t.Run("unknown agent lists nothing", func(t *testing.T) {
		router := newTestRouter(t)
		w := doJSON(router, http.MethodPost, "/v1/memory/runs", submitBody)
		require.Equal(t, http.StatusOK, w.Code)

		req := httptest.NewRequest(http.MethodGet, "/v1/memory/runs?agent_id=nobody", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp memory.ListRunsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Empty(t, resp.Runs)
		assert.Zero(t, resp.TotalCount)
	})

	t.Run("malformed limit is a 400", func(t *testing.T) {
		router := newTestRouter(t)
		req := httptest.NewRequest(http.MethodGet, "/v1/memory/runs?limit=abc", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp memory.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_REQUEST", resp.Code)
	})

	t.Run("negative limit is a 400", func(t *testing.T) {
		router := newTestRouter(t)
		req := httptest.NewRequest(http.MethodGet, "/v1/memory/runs?limit=-1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp memory.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "VALIDATION_FAILED", resp.Code)
	})
}

func TestHandleStats(t *testing.T) {
	router := newTestRouter(t)
	w := doJSON(router, http.MethodPost, "/v1/memory/runs", submitBody)
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/memory/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats memory.StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveRuns)
	assert.Equal(t, 1, stats.Decisions[memory.DecisionAdd])
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/memory/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
