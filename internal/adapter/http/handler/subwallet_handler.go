package handler

import (
	"escrow-engine/internal/adapter/http/dto"
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// SubwalletHandler handles subwallet lifecycle, compliance and settlement endpoints.
type SubwalletHandler struct {
	subwalletSvc ports.SubwalletService
}

// NewSubwalletHandler creates a new SubwalletHandler.
func NewSubwalletHandler(subwalletSvc ports.SubwalletService) *SubwalletHandler {
	return &SubwalletHandler{subwalletSvc: subwalletSvc}
}

// Create handles POST /api/v1/subwallets.
func (h *SubwalletHandler) Create(c *gin.Context) {
	var req dto.CreateSubwalletRequest
	if !bindJSON(c, &req) {
		return
	}
	sw, err := h.subwalletSvc.Create(c.Request.Context(), ports.CreateSubwalletRequest{
		Owner:    domain.OwnerRef{Type: domain.OwnerType(req.OwnerType), ID: req.OwnerID},
		Currency: req.Currency,
		Actor:    middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toSubwalletResponse(sw))
}

// Get handles GET /api/v1/subwallets/:id.
func (h *SubwalletHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	sw, err := h.subwalletSvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSubwalletResponse(sw))
}

// List handles GET /api/v1/subwallets.
func (h *SubwalletHandler) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	params := ports.SubwalletListParams{Page: page, PageSize: pageSize}
	if s := c.Query("status"); s != "" {
		status := domain.SubwalletStatus(s)
		params.Status = &status
	}
	if r := c.Query("risk_level"); r != "" {
		level := domain.RiskLevel(r)
		params.RiskLevel = &level
	}
	if o := c.Query("owner_type"); o != "" {
		owner := domain.OwnerType(o)
		params.OwnerType = &owner
	}
	if id := c.Query("owner_id"); id != "" {
		params.OwnerID = &id
	}
	if cur := c.Query("currency"); cur != "" {
		params.Currency = &cur
	}

	wallets, total, err := h.subwalletSvc.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]dto.SubwalletResponse, 0, len(wallets))
	for i := range wallets {
		items = append(items, toSubwalletResponse(&wallets[i]))
	}
	response.OK(c, pagedData(items, page, pageSize, total))
}

// SetStatus handles PUT /api/v1/subwallets/:id/status.
func (h *SubwalletHandler) SetStatus(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.SetSubwalletStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	sw, err := h.subwalletSvc.SetStatus(c.Request.Context(), ports.SetSubwalletStatusRequest{
		SubwalletID: id,
		Status:      domain.SubwalletStatus(req.Status),
		Actor:       middleware.Actor(c),
		Reason:      req.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSubwalletResponse(sw))
}

// SetApproval handles PUT /api/v1/subwallets/:id/approval.
func (h *SubwalletHandler) SetApproval(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.ComplianceApprovalRequest
	if !bindJSON(c, &req) {
		return
	}
	sw, err := h.subwalletSvc.SetComplianceApproval(c.Request.Context(), id, *req.Approved, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSubwalletResponse(sw))
}

// UpdateCompliance handles PUT /api/v1/subwallets/:id/compliance.
func (h *SubwalletHandler) UpdateCompliance(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.ComplianceUpdateRequest
	if !bindJSON(c, &req) {
		return
	}
	update := ports.ComplianceUpdate{
		SubwalletID:   id,
		AMLFlagged:    req.AMLFlagged,
		BaselineScore: req.BaselineScore,
		Actor:         middleware.Actor(c),
	}
	if req.KYCStatus != nil {
		kyc := domain.KYCStatus(*req.KYCStatus)
		update.KYCStatus = &kyc
	}
	sw, err := h.subwalletSvc.UpdateCompliance(c.Request.Context(), update)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSubwalletResponse(sw))
}

// Reassess handles POST /api/v1/subwallets/:id/reassess.
func (h *SubwalletHandler) Reassess(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	sw, assessment, err := h.subwalletSvc.Reassess(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	factors := assessment.Factors
	if factors == nil {
		factors = []string{}
	}
	response.OK(c, dto.ReassessResponse{
		Subwallet: toSubwalletResponse(sw),
		Score:     assessment.Score,
		Level:     string(assessment.Level),
		Factors:   factors,
	})
}

// Settle handles POST /api/v1/subwallets/:id/settlements.
func (h *SubwalletHandler) Settle(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.SettlementRequest
	if !bindJSON(c, &req) {
		return
	}
	txn, err := h.subwalletSvc.RequestSettlement(c.Request.Context(), ports.SettlementRequest{
		SubwalletID: id,
		AmountMinor: req.AmountMinor,
		Reference:   req.Reference,
		Actor:       middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, txn)
}

func toSubwalletResponse(sw *domain.Subwallet) dto.SubwalletResponse {
	return dto.SubwalletResponse{
		ID:                 sw.ID.String(),
		OwnerType:          string(sw.Owner.Type),
		OwnerID:            sw.Owner.ID,
		Currency:           sw.Currency,
		AccountID:          sw.AccountID.String(),
		BalanceMinor:       sw.Balance,
		Status:             string(sw.Status),
		RiskLevel:          string(sw.RiskLevel),
		RiskScore:          sw.RiskScore,
		BaselineScore:      sw.BaselineScore,
		AMLFlagged:         sw.AMLFlagged,
		KYCStatus:          string(sw.KYCStatus),
		ComplianceApproved: sw.ComplianceApproved,
		ApprovedBy:         sw.ApprovedBy,
		ApprovedAt:         formatTimePtr(sw.ApprovedAt),
		UpdatedAt:          formatTime(sw.UpdatedAt),
	}
}
