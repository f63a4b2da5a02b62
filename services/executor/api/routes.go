// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the API endpoints.
//
// Endpoints:
//
//	GET  /health
//	GET  /v1/phases?run_id=&state=
//	GET  /v1/phases/:run_id/:phase_id
//	POST /v1/phases/:run_id/:phase_id/requeue
//	GET  /v1/breakers
//	POST /v1/breakers/:name/reset
//	GET  /v1/lease?workspace=
//	GET  /v1/events?run_id=&type=&limit=
//	GET  /v1/audit?type=&actor=&resource_id=&limit=
func RegisterRoutes(router gin.IRouter, handlers *Handlers) {
	router.GET("/health", handlers.HandleHealth)

	v1 := router.Group("/v1")
	{
		v1.GET("/phases", handlers.HandleListPhases)
		v1.GET("/phases/:run_id/:phase_id", handlers.HandleGetPhase)
		v1.POST("/phases/:run_id/:phase_id/requeue", handlers.HandleRequeuePhase)

		v1.GET("/breakers", handlers.HandleListBreakers)
		v1.POST("/breakers/:name/reset", handlers.HandleResetBreaker)

		v1.GET("/lease", handlers.HandleLeaseStatus)

		v1.GET("/events", handlers.HandleListEvents)

		v1.GET("/audit", handlers.HandleListAudit)
	}
}
