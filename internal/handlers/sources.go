package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
)

// Syncer starts sync runs.
type Syncer interface {
	Sync(ctx context.Context, source string) (*models.Job, error)
}

// SourceHandler lists configured sources and starts syncs
type SourceHandler struct {
	sources pipeline.SourceProvider
	syncer  Syncer
	logger  ectologger.Logger
}

func NewSourceHandler(sources pipeline.SourceProvider, syncer Syncer, logger ectologger.Logger) *SourceHandler {
	return &SourceHandler{
		sources: sources,
		syncer:  syncer,
		logger:  logger,
	}
}

type SourceResponse struct {
	Name       string   `json:"name"`
	SeedURL    string   `json:"seed_url"`
	EntityType string   `json:"entity_type"`
	Relations  []string `json:"relations"`
}

type SyncResponse struct {
	Source string `json:"source"`
	SyncID string `json:"sync_id"`
	JobID  string `json:"job_id"`
}

// List returns every configured source
// GET /api/v1/sources
func (h *SourceHandler) List(c echo.Context) error {
	names := h.sources.Names()
	resp := make([]SourceResponse, 0, len(names))
	for _, name := range names {
		src, err := h.sources.Get(name)
		if err != nil {
			return err
		}
		relations := src.Relations
		if relations == nil {
			relations = []string{}
		}
		resp = append(resp, SourceResponse{
			Name:       src.Name,
			SeedURL:    src.SeedURL,
			EntityType: src.EntityType,
			Relations:  relations,
		})
	}
	return SuccessResponse(c, resp)
}

// Sync enqueues a sync run of one source
// POST /api/v1/sources/:name/sync
func (h *SourceHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	job, err := h.syncer.Sync(ctx, name)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warnf("Failed to start sync of %s", name)
		return sourceError(err)
	}

	return AcceptedResponse(c, SyncResponse{
		Source: job.Source,
		SyncID: job.SyncID,
		JobID:  job.ID,
	})
}

// RegisterRoutes registers the source routes
func (h *SourceHandler) RegisterRoutes(g *echo.Group) {
	sources := g.Group("/sources")
	sources.GET("", h.List)
	sources.POST("/:name/sync", h.Sync)
}
