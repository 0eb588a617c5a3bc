package handler

import (
	"math"
	"strconv"
	"time"

	"escrow-engine/internal/adapter/http/dto"
	"escrow-engine/pkg/apperror"
	"escrow-engine/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const timeLayout = time.RFC3339

// bindJSON binds and validates the body into req, then sanitizes it.
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return false
	}
	dto.SanitizeStruct(req)
	return true
}

// uuidParam parses a path parameter as a UUID, writing a VAL_001 on failure.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Error(c, apperror.Validation("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// pageParams reads page and page_size with the list defaults.
func pageParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func pagedData(items interface{}, page, pageSize int, total int64) response.PagedData {
	return response.PagedData{
		Items: items,
		Pagination: response.PageMeta{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
		},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// queryTime parses an optional RFC3339 query parameter.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		response.Error(c, apperror.Validation(name+" must be RFC3339"))
		return nil, false
	}
	return &t, true
}

func errInvalidQuery(name string) error {
	return apperror.Validation("invalid " + name)
}
