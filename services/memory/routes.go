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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the memory engine routes with the router.
//
// Description:
//
//	Registers all /v1/memory/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/memory/runs - Submit a completed run for admission
//	GET  /v1/memory/runs - List active runs, newest first
//	POST /v1/memory/retrieve - Retrieve context for a task query
//	GET  /v1/memory/stats - Store composition and decision distribution
//	GET  /v1/memory/health - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	mem := rg.Group("/memory")
	{
		mem.POST("/runs", handlers.HandleSubmit)
		mem.GET("/runs", handlers.HandleListRuns)
		mem.POST("/retrieve", handlers.HandleRetrieve)
		mem.GET("/stats", handlers.HandleStats)
		mem.GET("/health", handlers.HandleHealth)
	}
}
