package handler

import (
	"net/http"
	"time"

	"escrow-engine/internal/adapter/http/dto"
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OperationsHandler serves the rail callback, the deadline sweep and the audit trail.
type OperationsHandler struct {
	escrowSvc ports.EscrowService
	auditSvc  ports.AuditService
	now       ports.Clock
}

// NewOperationsHandler creates a new OperationsHandler. A nil clock uses time.Now.
func NewOperationsHandler(escrowSvc ports.EscrowService, auditSvc ports.AuditService, now ports.Clock) *OperationsHandler {
	if now == nil {
		now = time.Now
	}
	return &OperationsHandler{escrowSvc: escrowSvc, auditSvc: auditSvc, now: now}
}

// RailNotification handles POST /api/v1/rail/notifications.
// The rail reference is the idempotency key: a repeated callback is a no-op.
func (h *OperationsHandler) RailNotification(c *gin.Context) {
	var req dto.RailNotification
	if !bindJSON(c, &req) {
		return
	}
	agreement, err := h.escrowSvc.Fund(c.Request.Context(), ports.FundRequest{
		EscrowID:    uuid.MustParse(req.EscrowID),
		AmountMinor: req.AmountMinor,
		Reference:   req.Reference,
		Actor:       middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"escrow_id":    agreement.ID.String(),
		"status":       string(agreement.Status),
		"funded_minor": agreement.FundedMinor,
	})
}

// Sweep handles POST /api/v1/scheduler/sweep.
func (h *OperationsHandler) Sweep(c *gin.Context) {
	var req dto.SweepRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	result, err := h.escrowSvc.SweepExpired(c.Request.Context(), h.now(), req.Limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	if result.Cancelled == nil {
		result.Cancelled = []uuid.UUID{}
	}
	if result.Failed == nil {
		result.Failed = []uuid.UUID{}
	}
	response.OK(c, result)
}

// ListAudit handles GET /api/v1/audit.
func (h *OperationsHandler) ListAudit(c *gin.Context) {
	page, pageSize := pageParams(c)
	params := ports.AuditListParams{
		EntityID: c.Query("entity_id"),
		Actor:    c.Query("actor"),
		Page:     page,
		PageSize: pageSize,
	}
	if et := c.Query("entity_type"); et != "" {
		entity := domain.AuditEntity(et)
		params.EntityType = &entity
	}

	events, total, err := h.auditSvc.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	response.OK(c, pagedData(events, page, pageSize, total))
}

// HealthCheck reports the status of each dependency.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
