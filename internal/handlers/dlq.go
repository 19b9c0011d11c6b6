package handlers

import (
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// DLQHandler handles dead letter queue API requests
type DLQHandler struct {
	dlq      *redis.DeadLetterQueue
	streams  *redis.Streams
	jobQueue string
	logger   ectologger.Logger
}

// NewDLQHandler creates a new DLQ handler
func NewDLQHandler(
	dlq *redis.DeadLetterQueue,
	streams *redis.Streams,
	jobQueue string,
	logger ectologger.Logger,
) *DLQHandler {
	return &DLQHandler{
		dlq:      dlq,
		streams:  streams,
		jobQueue: jobQueue,
		logger:   logger,
	}
}

// DLQListResponse represents the response for listing DLQ entries
type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

// List returns dead letter queue entries, newest first
// GET /api/v1/dlq?source=&count=
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := QueryInt64(c, "count", 100)
	if err != nil {
		return err
	}

	entries, err := h.dlq.List(ctx, c.QueryParam("source"), count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return err
	}

	total, err := h.dlq.Count(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, DLQListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
	})
}

// Get returns a specific DLQ entry
// GET /api/v1/dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	entry, err := h.dlq.Get(ctx, messageID)
	if err != nil {
		return dlqError(err, messageID)
	}
	return SuccessResponse(c, entry)
}

// Retry re-enqueues the job of a DLQ entry
// POST /api/v1/dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	job, err := h.dlq.Retry(ctx, messageID, h.streams, h.jobQueue)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to retry DLQ entry")
		return dlqError(err, messageID)
	}

	return AcceptedResponse(c, job)
}

// Delete removes a DLQ entry
// DELETE /api/v1/dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	messageID := c.Param("id")

	if err := h.dlq.Delete(ctx, messageID); err != nil {
		return dlqError(err, messageID)
	}
	return NoContentResponse(c)
}

// Stats returns DLQ statistics
// GET /api/v1/dlq/stats
func (h *DLQHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()

	count, err := h.dlq.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to get DLQ stats")
		return err
	}

	return SuccessResponse(c, map[string]int64{
		"total_entries": count,
	})
}

func dlqError(err error, messageID string) error {
	if errors.Is(err, redis.ErrDLQEntryNotFound) {
		return NotFound("DLQ entry %s not found", messageID)
	}
	return err
}

// RegisterRoutes registers the DLQ routes
func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/stats", h.Stats)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}
