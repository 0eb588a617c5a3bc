package handler

import (
	"strconv"

	"escrow-engine/internal/core/domain"
	"escrow-engine/internal/core/ports"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
)

// LedgerHandler exposes read-only views over ledger accounts.
type LedgerHandler struct {
	ledgerSvc ports.LedgerService
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledgerSvc ports.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledgerSvc: ledgerSvc}
}

// GetAccount handles GET /api/v1/accounts/:id.
func (h *LedgerHandler) GetAccount(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	account, err := h.ledgerSvc.GetAccount(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, account)
}

// GetBalance handles GET /api/v1/accounts/:id/balance.
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	balance, err := h.ledgerSvc.GetBalance(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"account_id": id.String(), "balance_minor": balance})
}

// ListEntries handles GET /api/v1/accounts/:id/entries.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	filter := ports.EntryFilter{Reference: c.Query("reference")}
	if d := c.Query("direction"); d != "" {
		dir := domain.Direction(d)
		if !dir.Valid() {
			response.Error(c, errInvalidQuery("direction"))
			return
		}
		filter.Direction = &dir
	}
	if filter.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if filter.To, ok = queryTime(c, "to"); !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	page, err := h.ledgerSvc.ListEntries(c.Request.Context(), id, filter, c.Query("cursor"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	entries := page.Entries
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	response.OK(c, response.CursorData{Items: entries, NextCursor: page.NextCursor})
}

// Verify handles GET /api/v1/accounts/:id/verify.
func (h *LedgerHandler) Verify(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	rec, err := h.ledgerSvc.VerifyAccount(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rec)
}
