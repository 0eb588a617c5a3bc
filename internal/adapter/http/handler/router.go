package handler

import (
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	EscrowSvc      ports.EscrowService
	SubwalletSvc   ports.SubwalletService
	DisputeSvc     ports.DisputeService
	LedgerSvc      ports.LedgerService
	AuditSvc       ports.AuditService
	SigSvc         ports.SignatureService
	TokenSvc       ports.TokenService
	NonceStore     ports.NonceStore     // nil = nonce replay check disabled
	RateLimitStore ports.RateLimitStore // nil = rate limiting disabled
	RailSecret     string
	HealthCheckers []ports.HealthChecker
	OpenAPISpec    []byte
	MaxBodyBytes   int64
	Clock          ports.Clock
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(maxBody))
	if deps.AuditSvc != nil {
		r.Use(middleware.AuditLog(deps.AuditSvc))
	}

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	docs := NewDocsHandler(deps.OpenAPISpec)
	swagger := r.Group("/swagger")
	{
		swagger.GET("", docs.UI)
		swagger.GET("/spec", docs.Spec)
	}

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		rule, ok := rules[group]
		if deps.RateLimitStore == nil || !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}
	role := middleware.RequireRole

	escrowH := NewEscrowHandler(deps.EscrowSvc)
	subwalletH := NewSubwalletHandler(deps.SubwalletSvc)
	disputeH := NewDisputeHandler(deps.DisputeSvc)
	ledgerH := NewLedgerHandler(deps.LedgerSvc)
	opsH := NewOperationsHandler(deps.EscrowSvc, deps.AuditSvc, deps.Clock)

	v1 := r.Group("/api/v1")

	// --- Payment rail callbacks (HMAC) ---
	railAuth := middleware.RailHMACAuth(deps.RailSecret, deps.SigSvc, deps.NonceStore, deps.Logger)
	v1.POST("/rail/notifications", rl("rail"), railAuth, opsH.RailNotification)

	// --- Operator API (JWT) ---
	api := v1.Group("", middleware.JWTAuth(deps.TokenSvc, deps.Logger))
	reads := rl("reads")
	commands := rl("commands")

	escrows := api.Group("/escrows")
	{
		escrows.GET("", reads, escrowH.List)
		escrows.GET("/:id", reads, escrowH.Get)
		escrows.POST("", commands, role(ports.RoleOperator), escrowH.Create)
		escrows.POST("/:id/fund", commands, role(ports.RoleOperator), escrowH.Fund)
		escrows.POST("/:id/refund", commands, role(ports.RoleOperator), escrowH.Refund)
		escrows.POST("/:id/cancel", commands, role(ports.RoleOperator), escrowH.Cancel)
		escrows.POST("/:id/disputes", commands, role(ports.RoleOperator, ports.RoleArbiter), disputeH.Raise)
	}

	milestones := api.Group("/milestones")
	{
		milestones.POST("/:id/start", commands, role(ports.RoleOperator), escrowH.StartMilestone)
		milestones.POST("/:id/complete", commands, role(ports.RoleOperator), escrowH.CompleteMilestone)
	}

	subwallets := api.Group("/subwallets")
	{
		subwallets.GET("", reads, subwalletH.List)
		subwallets.GET("/:id", reads, subwalletH.Get)
		subwallets.POST("", commands, role(ports.RoleOperator), subwalletH.Create)
		subwallets.PUT("/:id/status", commands, role(ports.RoleOperator, ports.RoleCompliance), subwalletH.SetStatus)
		subwallets.PUT("/:id/compliance", commands, role(ports.RoleCompliance), subwalletH.UpdateCompliance)
		subwallets.PUT("/:id/approval", commands, role(ports.RoleCompliance), subwalletH.SetApproval)
		subwallets.POST("/:id/reassess", commands, role(ports.RoleCompliance), subwalletH.Reassess)
		subwallets.POST("/:id/settlements", rl("settlement"), role(ports.RoleOperator), subwalletH.Settle)
	}

	disputes := api.Group("/disputes")
	{
		disputes.GET("", reads, disputeH.List)
		disputes.GET("/:id", reads, disputeH.Get)
		disputes.POST("/:id/evidence", commands, role(ports.RoleOperator, ports.RoleArbiter), disputeH.AddEvidence)
		disputes.POST("/:id/review", commands, role(ports.RoleArbiter), disputeH.StartReview)
		disputes.POST("/:id/request-response", commands, role(ports.RoleArbiter), disputeH.RequestResponse)
		disputes.POST("/:id/record-response", commands, role(ports.RoleOperator, ports.RoleArbiter), disputeH.RecordResponse)
		disputes.POST("/:id/escalate", commands, role(ports.RoleOperator, ports.RoleArbiter), disputeH.Escalate)
		disputes.POST("/:id/resolve", commands, role(ports.RoleArbiter), disputeH.Resolve)
	}

	accounts := api.Group("/accounts", reads)
	{
		accounts.GET("/:id", ledgerH.GetAccount)
		accounts.GET("/:id/balance", ledgerH.GetBalance)
		accounts.GET("/:id/entries", ledgerH.ListEntries)
		accounts.GET("/:id/verify", ledgerH.Verify)
	}

	api.GET("/audit", reads, role(ports.RoleAuditor, ports.RoleCompliance), opsH.ListAudit)
	api.POST("/scheduler/sweep", rl("scheduler"), role(ports.RoleScheduler), opsH.Sweep)

	return r
}
