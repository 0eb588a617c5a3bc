package handler

import (
	"escrow-engine/internal/adapter/http/dto"
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EscrowHandler handles agreement and milestone endpoints.
type EscrowHandler struct {
	escrowSvc ports.EscrowService
}

// NewEscrowHandler creates a new EscrowHandler.
func NewEscrowHandler(escrowSvc ports.EscrowService) *EscrowHandler {
	return &EscrowHandler{escrowSvc: escrowSvc}
}

// Create handles POST /api/v1/escrows.
func (h *EscrowHandler) Create(c *gin.Context) {
	var req dto.CreateEscrowRequest
	if !bindJSON(c, &req) {
		return
	}

	milestones := make([]ports.MilestoneSpec, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		milestones = append(milestones, ports.MilestoneSpec{Title: m.Title, AmountMinor: m.AmountMinor})
	}

	agreement, err := h.escrowSvc.CreateAgreement(c.Request.Context(), ports.CreateEscrowRequest{
		Currency:                req.Currency,
		AmountMinor:             req.AmountMinor,
		InitiatorID:             req.InitiatorID,
		CounterpartyID:          req.CounterpartyID,
		CounterpartySubwalletID: uuid.MustParse(req.CounterpartySubwalletID),
		Deadline:                req.Deadline,
		Milestones:              milestones,
		Actor:                   middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toEscrowResponse(agreement))
}

// Get handles GET /api/v1/escrows/:id.
func (h *EscrowHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	agreement, err := h.escrowSvc.GetAgreement(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

// List handles GET /api/v1/escrows.
func (h *EscrowHandler) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	params := ports.EscrowListParams{
		Currency:       c.Query("currency"),
		InitiatorID:    c.Query("initiator_id"),
		CounterpartyID: c.Query("counterparty_id"),
		SortBy:         c.DefaultQuery("sort_by", "created_at"),
		SortDesc:       c.DefaultQuery("order", "desc") == "desc",
		Page:           page,
		PageSize:       pageSize,
	}
	if s := c.Query("status"); s != "" {
		status := domain.EscrowStatus(s)
		params.Status = &status
	}

	agreements, total, err := h.escrowSvc.ListAgreements(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.EscrowResponse, 0, len(agreements))
	for i := range agreements {
		items = append(items, toEscrowResponse(&agreements[i]))
	}
	response.OK(c, pagedData(items, page, pageSize, total))
}

// Fund handles POST /api/v1/escrows/:id/fund.
func (h *EscrowHandler) Fund(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.FundRequest
	if !bindJSON(c, &req) {
		return
	}

	agreement, err := h.escrowSvc.Fund(c.Request.Context(), ports.FundRequest{
		EscrowID:    id,
		AmountMinor: req.AmountMinor,
		Reference:   req.Reference,
		Actor:       middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

// Refund handles POST /api/v1/escrows/:id/refund.
func (h *EscrowHandler) Refund(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.RefundRequest
	if !bindJSON(c, &req) {
		return
	}

	agreement, err := h.escrowSvc.Refund(c.Request.Context(), ports.RefundRequest{
		EscrowID:    id,
		AmountMinor: req.AmountMinor,
		Reference:   req.Reference,
		Reason:      req.Reason,
		Actor:       middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

// Cancel handles POST /api/v1/escrows/:id/cancel.
func (h *EscrowHandler) Cancel(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.CancelRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	agreement, err := h.escrowSvc.Cancel(c.Request.Context(), id, middleware.Actor(c), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

// StartMilestone handles POST /api/v1/milestones/:id/start.
func (h *EscrowHandler) StartMilestone(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	agreement, err := h.escrowSvc.StartMilestone(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

// CompleteMilestone handles POST /api/v1/milestones/:id/complete.
// Completion releases the milestone's funds to the counterparty.
func (h *EscrowHandler) CompleteMilestone(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	agreement, err := h.escrowSvc.CompleteMilestone(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEscrowResponse(agreement))
}

func toEscrowResponse(e *domain.EscrowAgreement) dto.EscrowResponse {
	milestones := make([]dto.MilestoneResponse, 0, len(e.Milestones))
	for _, m := range e.Milestones {
		milestones = append(milestones, dto.MilestoneResponse{
			ID:            m.ID.String(),
			Index:         m.Idx,
			Title:         m.Title,
			AmountMinor:   m.AmountMinor,
			ReleasedMinor: m.ReleasedMinor,
			Status:        string(m.Status),
			CompletedAt:   formatTimePtr(m.CompletedAt),
		})
	}
	return dto.EscrowResponse{
		ID:                      e.ID.String(),
		Currency:                e.Currency,
		Status:                  string(e.Status),
		AmountMinor:             e.AmountMinor,
		FundedMinor:             e.FundedMinor,
		ReleasedMinor:           e.ReleasedMinor,
		RefundedMinor:           e.RefundedMinor,
		HeldMinor:               e.HeldMinor(),
		InitiatorID:             e.InitiatorID,
		CounterpartyID:          e.CounterpartyID,
		CounterpartySubwalletID: e.CounterpartySubwalletID.String(),
		HoldingAccountID:        e.HoldingAccountID.String(),
		Deadline:                formatTimePtr(e.Deadline),
		Milestones:              milestones,
		Version:                 e.Version,
		CreatedAt:               formatTime(e.CreatedAt),
		UpdatedAt:               formatTime(e.UpdatedAt),
	}
}
