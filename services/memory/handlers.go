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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrorResponse is the JSON error envelope for all memory endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers contains the HTTP handlers for the memory engine.
//
// Thread Safety: Handlers is safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers wrapping the memory service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleSubmit handles POST /v1/memory/runs.
//
// Description:
//
//	Submits a completed run for admission. The response reports the
//	decision (ADD, REJECT, REPLACE, or MERGE) and what was persisted.
//
// Response:
//
//	200 OK: SubmitResult
//	400 Bad Request: Validation error
//	409 Conflict: Contention persisted through the retry budget
//	422 Unprocessable Entity: Embedding dimension mismatch
//	502 Bad Gateway: Embedding provider failure
//	503 Service Unavailable: Store failure
func (h *Handlers) HandleSubmit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSubmit")

	var payload RunPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.svc.Submit(c.Request.Context(), payload)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Run submitted",
		"run_id", payload.RunID,
		"decision", result.Kind)
	c.JSON(http.StatusOK, result)
}

// HandleRetrieve handles POST /v1/memory/retrieve.
//
// Response:
//
//	200 OK: RetrieveResponse (zero confidence when nothing matched)
//	400 Bad Request: Validation error
//	422 Unprocessable Entity: Embedding dimension mismatch
//	502 Bad Gateway: Embedding provider failure
//	503 Service Unavailable: Store failure
func (h *Handlers) HandleRetrieve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRetrieve")

	var req RetrieveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	resp, err := h.svc.Retrieve(c.Request.Context(), req)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Retrieval served",
		"related_runs", len(resp.RelatedRuns),
		"confidence", resp.Confidence)
	c.JSON(http.StatusOK, resp)
}

// HandleListRuns handles GET /v1/memory/runs.
//
// Description:
//
//	Lists the active retained runs, newest first, with their one-hop
//	neighborhoods expanded. Query parameters: agent_id restricts the
//	listing to one agent, limit caps the page size.
//
// Response:
//
//	200 OK: ListRunsResponse
//	400 Bad Request: Malformed or negative limit
//	503 Service Unavailable: Store failure
func (h *Handlers) HandleListRuns(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListRuns")

	req := ListRunsRequest{AgentID: c.Query("agent_id")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			logger.Warn("Invalid limit parameter", "limit", raw)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid limit parameter",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		req.Limit = limit
	}

	resp, err := h.svc.ListRuns(c.Request.Context(), req)
	if err != nil {
		writeError(c, logger, err)
		return
	}

	logger.Info("Runs listed",
		"runs", len(resp.Runs),
		"total", resp.TotalCount)
	c.JSON(http.StatusOK, resp)
}

// HandleStats handles GET /v1/memory/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStats")

	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleHealth handles GET /v1/memory/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	var (
		valErr *ValidationError
		dimErr *DimensionMismatchError
		embErr *EmbeddingServiceError
		stErr  *StoreError
	)

	switch {
	case errors.As(err, &valErr):
		logger.Warn("Validation failed", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "VALIDATION_FAILED",
		})
	case errors.As(err, &dimErr):
		logger.Warn("Embedding dimension mismatch", "error", err)
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "DIMENSION_MISMATCH",
		})
	case errors.As(err, &embErr):
		logger.Error("Embedding provider failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: err.Error(),
			Code:  "EMBEDDING_UNAVAILABLE",
		})
	case errors.Is(err, ErrConflict):
		logger.Warn("Admission lost to concurrent writers", "error", err)
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "STORE_CONFLICT",
		})
	case errors.As(err, &stErr):
		logger.Error("Store failure", "error", err)
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "STORE_UNAVAILABLE",
		})
	default:
		logger.Error("Unexpected failure", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: err.Error(),
			Code:  "INTERNAL_ERROR",
		})
	}
}

// getOrCreateRequestID reads X-Request-ID or assigns one.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}
