package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// AuditLog records write requests that were refused before reaching a
// service (auth, role, binding, rate limit) and every rail notification.
// Service-level transitions audit themselves.
func AuditLog(auditSvc ports.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}

		status := c.Writer.Status()
		code := responseErrorCode(c)
		action, ok := mapRouteToAction(c.FullPath())
		if !ok {
			if !refusedAtEdge(code) {
				return
			}
			action = domain.AuditActionRefuse
		}

		outcome := domain.AuditSucceeded
		if status >= http.StatusBadRequest {
			outcome = domain.AuditRejected
		}

		details, _ := json.Marshal(map[string]interface{}{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    status,
			"client_ip": c.ClientIP(),
		})

		actor := Actor(c)
		if actor == "" {
			actor = "anonymous"
		}

		auditSvc.Record(c.Request.Context(), domain.AuditEvent{
			Actor:      actor,
			EntityType: domain.AuditEntityRequest,
			EntityID:   c.GetString(CtxRequestID),
			Action:     action,
			Outcome:    outcome,
			ErrorCode:  code,
			Details:    string(details),
		})
	}
}

func mapRouteToAction(route string) (domain.AuditAction, bool) {
	switch route {
	case "/api/v1/rail/notifications":
		return domain.AuditActionRailNotify, true
	}
	return "", false
}

// refusedAtEdge reports error codes produced by middleware rather than by a service.
func refusedAtEdge(code string) bool {
	switch {
	case strings.HasPrefix(code, "SEC_"), strings.HasPrefix(code, "AUTH_"):
		return true
	case code == "RATE_001", code == "VAL_003":
		return true
	}
	return false
}

// responseErrorCode returns the error code the handler attached, if any.
func responseErrorCode(c *gin.Context) string {
	if v, ok := c.Get(CtxErrorCode); ok {
		if code, ok := v.(string); ok {
			return code
		}
	}
	return ""
}
