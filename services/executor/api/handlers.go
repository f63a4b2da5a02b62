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
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hshk99/Autopack-sub025/pkg/validation"
	"github.com/hshk99/Autopack-sub025/services/executor/audit"
	"github.com/hshk99/Autopack-sub025/services/executor/breaker"
	"github.com/hshk99/Autopack-sub025/services/executor/events"
	"github.com/hshk99/Autopack-sub025/services/executor/lease"
	"github.com/hshk99/Autopack-sub025/services/executor/phase"
	"github.com/hshk99/Autopack-sub025/services/executor/runner"
)

// ActorHeader names the operator in audit records for mutating requests.
const ActorHeader = "X-Autopack-Actor"

// Handlers serves the API endpoints.
//
// Thread Safety: Safe for concurrent use. All state lives in the runner,
// the breaker registry and the emitter.
type Handlers struct {
	runner      *runner.Runner
	breakers    *breaker.Registry
	audit       audit.Logger
	leaseConfig lease.Config
	version     string
	startedAt   time.Time
	logger      *slog.Logger
}

// NewHandlers creates handlers over the runner and breaker registry.
// breakers may be nil, in which case breaker endpoints return empty lists.
// auditLog may be nil, in which case operator actions are not recorded.
func NewHandlers(r *runner.Runner, breakers *breaker.Registry, auditLog audit.Logger,
	leaseConfig lease.Config, version string, logger *slog.Logger) *Handlers {

	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handlers{
		runner:      r,
		breakers:    breakers,
		audit:       auditLog,
		leaseConfig: leaseConfig,
		version:     version,
		startedAt:   time.Now().UTC(),
		logger:      logger,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:       "healthy",
		Service:      ServiceName,
		Version:      h.version,
		StartedAt:    h.startedAt,
		Uptime:       time.Since(h.startedAt).Round(time.Second).String(),
		ActivePhases: h.runner.Watchdog().ActivePhases(),
		OpenBreakers: []string{},
	}
	if h.breakers != nil {
		for _, s := range h.breakers.Snapshots() {
			if s.State == breaker.StateOpen.String() {
				resp.OpenBreakers = append(resp.OpenBreakers, s.Name)
			}
		}
	}
	if resp.ActivePhases == nil {
		resp.ActivePhases = []string{}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListPhases handles GET /v1/phases.
//
// Description:
//
//	Lists phases in plan order. The optional run_id query parameter
//	restricts the list to one run; the optional state parameter filters by
//	lifecycle state.
//
// Response:
//
//	200 OK: PhasesResponse
//	400 Bad Request: Unknown state
//	500 Internal Server Error: Store failure
func (h *Handlers) HandleListPhases(c *gin.Context) {
	runID := c.Query("run_id")
	state := phase.State(c.Query("state"))
	if state != "" && !state.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown state " + string(state), Code: "INVALID_STATE"})
		return
	}

	phases, err := h.runner.Store().ListPhases(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("list phases failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	if state != "" {
		phases = slices.DeleteFunc(phases, func(p *phase.Phase) bool { return p.State != state })
	}
	if phases == nil {
		phases = []*phase.Phase{}
	}
	c.JSON(http.StatusOK, PhasesResponse{RunID: runID, Count: len(phases), Phases: phases})
}

// HandleGetPhase handles GET /v1/phases/:run_id/:phase_id.
func (h *Handlers) HandleGetPhase(c *gin.Context) {
	runID, phaseID, ok := phaseParams(c)
	if !ok {
		return
	}
	p, err := h.runner.Store().LoadPhase(c.Request.Context(), runID, phaseID)
	if err != nil {
		h.phaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, PhaseResponse{Phase: p})
}

// HandleRequeuePhase handles POST /v1/phases/:run_id/:phase_id/requeue.
//
// Response:
//
//	200 OK: PhaseResponse with the re-queued phase
//	400 Bad Request: Malformed run or phase ID
//	404 Not Found: Unknown phase
//	409 Conflict: Phase is not FAILED or STUCK
func (h *Handlers) HandleRequeuePhase(c *gin.Context) {
	runID, phaseID, ok := phaseParams(c)
	if !ok {
		return
	}
	p, err := h.runner.Requeue(c.Request.Context(), runID, phaseID)
	h.record(c, audit.TypePhaseRequeued, runID+"/"+phaseID, err)
	if err != nil {
		h.phaseError(c, err)
		return
	}
	h.logger.Info("phase requeued via api", slog.String("run_id", runID), slog.String("phase_id", phaseID))
	c.JSON(http.StatusOK, PhaseResponse{Phase: p})
}

// phaseParams validates the :run_id and :phase_id path parameters and
// writes a 400 when either is malformed.
func phaseParams(c *gin.Context) (runID, phaseID string, ok bool) {
	runID, phaseID = c.Param("run_id"), c.Param("phase_id")
	if err := validation.ValidatePhaseKey(runID, phaseID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_ID"})
		return "", "", false
	}
	return runID, phaseID, true
}

// record writes an audit event for an operator action. Audit failures are
// logged and do not fail the request.
func (h *Handlers) record(c *gin.Context, eventType, resourceID string, err error) {
	actor := c.GetHeader(ActorHeader)
	if actor == "" {
		actor = "api"
	}
	e := audit.Event{
		Type:       eventType,
		Actor:      actor,
		ResourceID: resourceID,
		Outcome:    audit.Outcome(err),
		Detail:     audit.Detail(err),
	}
	if err := h.audit.Record(c.Request.Context(), e); err != nil {
		h.logger.Warn("audit record failed",
			slog.String("type", eventType),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()))
	}
}

func (h *Handlers) phaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, runner.ErrPhaseNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "PHASE_NOT_FOUND"})
	case errors.Is(err, phase.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INVALID_TRANSITION"})
	default:
		h.logger.Error("phase request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
	}
}

// HandleListBreakers handles GET /v1/breakers.
func (h *Handlers) HandleListBreakers(c *gin.Context) {
	resp := BreakersResponse{Breakers: []breaker.Snapshot{}}
	if h.breakers != nil {
		resp.Breakers = append(resp.Breakers, h.breakers.Snapshots()...)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleResetBreaker handles POST /v1/breakers/:name/reset.
func (h *Handlers) HandleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if h.breakers == nil || !h.breakers.Reset(name) {
		h.record(c, audit.TypeBreakerReset, name, errors.New("unknown breaker"))
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown breaker " + name, Code: "BREAKER_NOT_FOUND"})
		return
	}
	h.record(c, audit.TypeBreakerReset, name, nil)
	b, _ := h.breakers.Get(name)
	h.logger.Info("breaker reset via api", slog.String("breaker", name))
	c.JSON(http.StatusOK, b.Snapshot())
}

// HandleLeaseStatus handles GET /v1/lease?workspace=PATH.
func (h *Handlers) HandleLeaseStatus(c *gin.Context) {
	workspace := c.Query("workspace")
	if workspace == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "workspace is required", Code: "INVALID_REQUEST"})
		return
	}
	l, err := lease.New(workspace, h.leaseConfig)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_WORKSPACE"})
		return
	}
	c.JSON(http.StatusOK, l.Status())
}

// HandleListEvents handles GET /v1/events.
//
// Description:
//
//	Returns retained events, oldest first. run_id and type filter the
//	list; limit keeps only the most recent N.
func (h *Handlers) HandleListEvents(c *gin.Context) {
	var q EventsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	evs := h.runner.Emitter().Buffer()
	evs = slices.DeleteFunc(evs, func(e events.Event) bool {
		return (q.RunID != "" && e.RunID != q.RunID) || (q.Type != "" && string(e.Type) != q.Type)
	})
	if q.Limit > 0 && len(evs) > q.Limit {
		evs = evs[len(evs)-q.Limit:]
	}
	if evs == nil {
		evs = []events.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Count: len(evs), Events: evs})
}

// HandleListAudit handles GET /v1/audit.
//
// Description:
//
//	Returns recorded operator actions, newest first.
//
// Response:
//
//	200 OK: AuditResponse
//	400 Bad Request: Invalid query
//	501 Not Implemented: The configured audit logger cannot be queried
func (h *Handlers) HandleListAudit(c *gin.Context) {
	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultAuditLimit
	}
	evs, err := h.audit.Query(c.Request.Context(), audit.Filter{
		Type:       q.Type,
		Actor:      q.Actor,
		ResourceID: q.ResourceID,
		Limit:      limit,
	})
	switch {
	case errors.Is(err, audit.ErrQueryUnsupported):
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error(), Code: "AUDIT_UNAVAILABLE"})
		return
	case err != nil:
		h.logger.Error("audit query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "STORE_ERROR"})
		return
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, AuditResponse{Count: len(evs), Events: evs})
}
