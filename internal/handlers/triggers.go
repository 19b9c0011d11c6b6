package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

// TriggerRepository is the trigger storage the API reads and toggles.
type TriggerRepository interface {
	List(ctx context.Context) ([]models.PeriodicTrigger, error)
	SetEnabled(ctx context.Context, name string, enabled bool) (*models.PeriodicTrigger, error)
}

// TaskCreator creates the periodic sync triggers of every source.
type TaskCreator interface {
	CreatePeriodicTasks(ctx context.Context) error
}

// TriggerHandler manages periodic sync triggers
type TriggerHandler struct {
	repo    TriggerRepository
	creator TaskCreator
	logger  ectologger.Logger
}

func NewTriggerHandler(repo TriggerRepository, creator TaskCreator, logger ectologger.Logger) *TriggerHandler {
	return &TriggerHandler{
		repo:    repo,
		creator: creator,
		logger:  logger,
	}
}

// List returns every periodic trigger
// GET /api/v1/triggers
func (h *TriggerHandler) List(c echo.Context) error {
	triggers, err := h.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, triggers)
}

// Create ensures a disabled daily trigger exists per source
// POST /api/v1/triggers
func (h *TriggerHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.creator.CreatePeriodicTasks(ctx); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to create periodic tasks")
		return err
	}
	return h.List(c)
}

// Enable turns on the trigger of a source
// PUT /api/v1/triggers/:source/enable
func (h *TriggerHandler) Enable(c echo.Context) error {
	return h.setEnabled(c, true)
}

// Disable turns off the trigger of a source
// PUT /api/v1/triggers/:source/disable
func (h *TriggerHandler) Disable(c echo.Context) error {
	return h.setEnabled(c, false)
}

func (h *TriggerHandler) setEnabled(c echo.Context, enabled bool) error {
	ctx := c.Request().Context()
	source := c.Param("source")

	trigger, err := h.repo.SetEnabled(ctx, pipeline.TriggerName(source), enabled)
	if err != nil {
		return err
	}

	h.logger.WithContext(ctx).Infof("Set trigger %q enabled=%t", trigger.Name, enabled)
	return SuccessResponse(c, trigger)
}

// RegisterRoutes registers the trigger routes
func (h *TriggerHandler) RegisterRoutes(g *echo.Group) {
	triggers := g.Group("/triggers")
	triggers.GET("", h.List)
	triggers.POST("", h.Create)
	triggers.PUT("/:source/enable", h.Enable)
	triggers.PUT("/:source/disable", h.Disable)
}
