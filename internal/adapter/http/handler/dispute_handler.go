package handler

import (
	"context"

	"escrow-engine/internal/adapter/http/dto"
	"escrow-engine/internal/adapter/http/middleware"
	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DisputeHandler handles the dispute workflow endpoints.
type DisputeHandler struct {
	disputeSvc ports.DisputeService
}

// NewDisputeHandler creates a new DisputeHandler.
func NewDisputeHandler(disputeSvc ports.DisputeService) *DisputeHandler {
	return &DisputeHandler{disputeSvc: disputeSvc}
}

// Raise handles POST /api/v1/escrows/:id/disputes.
func (h *DisputeHandler) Raise(c *gin.Context) {
	escrowID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.RaiseDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	raise := ports.RaiseDisputeRequest{
		EscrowID: escrowID,
		Reason:   req.Reason,
		Priority: domain.DisputePriority(req.Priority),
		RaisedBy: middleware.Actor(c),
	}
	if req.MilestoneID != nil {
		mid := uuid.MustParse(*req.MilestoneID)
		raise.MilestoneID = &mid
	}

	dispute, err := h.disputeSvc.Raise(c.Request.Context(), raise)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toDisputeResponse(dispute))
}

// Get handles GET /api/v1/disputes/:id.
func (h *DisputeHandler) Get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	dispute, err := h.disputeSvc.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toDisputeResponse(dispute))
}

// List handles GET /api/v1/disputes.
func (h *DisputeHandler) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	params := ports.DisputeListParams{Page: page, PageSize: pageSize}
	if raw := c.Query("escrow_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(c, errInvalidQuery("escrow_id"))
			return
		}
		params.EscrowID = &id
	}
	if s := c.Query("status"); s != "" {
		status := domain.DisputeStatus(s)
		params.Status = &status
	}
	if p := c.Query("priority"); p != "" {
		priority := domain.DisputePriority(p)
		params.Priority = &priority
	}

	disputes, total, err := h.disputeSvc.List(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	items := make([]dto.DisputeResponse, 0, len(disputes))
	for i := range disputes {
		items = append(items, toDisputeResponse(&disputes[i]))
	}
	response.OK(c, pagedData(items, page, pageSize, total))
}

// AddEvidence handles POST /api/v1/disputes/:id/evidence.
func (h *DisputeHandler) AddEvidence(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.AddEvidenceRequest
	if !bindJSON(c, &req) {
		return
	}
	dispute, err := h.disputeSvc.AddEvidence(c.Request.Context(), ports.AddEvidenceRequest{
		DisputeID:   id,
		ObjectKey:   req.ObjectKey,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		Actor:       middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, toDisputeResponse(dispute))
}

// StartReview handles POST /api/v1/disputes/:id/review.
func (h *DisputeHandler) StartReview(c *gin.Context) {
	h.step(c, h.disputeSvc.StartReview)
}

// RequestResponse handles POST /api/v1/disputes/:id/request-response.
func (h *DisputeHandler) RequestResponse(c *gin.Context) {
	h.step(c, h.disputeSvc.RequestResponse)
}

// RecordResponse handles POST /api/v1/disputes/:id/record-response.
func (h *DisputeHandler) RecordResponse(c *gin.Context) {
	h.step(c, h.disputeSvc.RecordResponse)
}

// Escalate handles POST /api/v1/disputes/:id/escalate.
func (h *DisputeHandler) Escalate(c *gin.Context) {
	h.step(c, h.disputeSvc.Escalate)
}

// Resolve handles POST /api/v1/disputes/:id/resolve.
func (h *DisputeHandler) Resolve(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req dto.ResolveDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	dispute, err := h.disputeSvc.Resolve(c.Request.Context(), ports.ResolveDisputeRequest{
		DisputeID: id,
		Outcome:   domain.DisputeOutcome{Type: domain.OutcomeType(req.Outcome), AmountMinor: req.AmountMinor},
		Notes:     req.Notes,
		Actor:     middleware.Actor(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toDisputeResponse(dispute))
}

type disputeStep func(ctx context.Context, id uuid.UUID, actor string) (*domain.DisputeCase, error)

func (h *DisputeHandler) step(c *gin.Context, fn disputeStep) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	dispute, err := fn(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toDisputeResponse(dispute))
}

func toDisputeResponse(d *domain.DisputeCase) dto.DisputeResponse {
	resp := dto.DisputeResponse{
		ID:         d.ID.String(),
		EscrowID:   d.EscrowID.String(),
		RaisedBy:   d.RaisedBy,
		Reason:     d.Reason,
		Priority:   string(d.Priority),
		Status:     string(d.Status),
		Notes:      d.Notes,
		Evidence:   make([]dto.EvidenceResponse, 0, len(d.Evidence)),
		CreatedAt:  formatTime(d.CreatedAt),
		ResolvedAt: formatTimePtr(d.ResolvedAt),
	}
	if d.MilestoneID != nil {
		s := d.MilestoneID.String()
		resp.MilestoneID = &s
	}
	if d.Outcome != nil {
		s := string(d.Outcome.Type)
		resp.Outcome = &s
		resp.OutcomeAmount = d.Outcome.AmountMinor
	}
	for _, ev := range d.Evidence {
		resp.Evidence = append(resp.Evidence, dto.EvidenceResponse{
			ObjectKey:   ev.ObjectKey,
			ContentType: ev.ContentType,
			SizeBytes:   ev.SizeBytes,
			AddedBy:     ev.AddedBy,
			CreatedAt:   formatTime(ev.CreatedAt),
		})
	}
	return resp
}
