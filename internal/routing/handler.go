package routing

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"relay/internal/dispatch"
	"relay/internal/logger"
	"relay/pkg/errors"
)

// RecordLister exposes the dispatch audit log, implemented by the
// dispatcher.
type RecordLister interface {
	ListRecords(ctx context.Context, occurrenceID string) ([]dispatch.ActionRecord, error)
}

type Handler struct {
	Router  *Router
	Records RecordLister
	Health  *HealthTracker
	Logger  logger.Logger
}

func NewHandler(router *Router, records RecordLister, health *HealthTracker, log logger.Logger) *Handler {
	return &Handler{
		Router:  router,
		Records: records,
		Health:  health,
		Logger:  log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/occurrences/:id/reprocess", h.ReprocessOccurrence)
		v1.GET("/occurrences/:id/actions", h.ListActionRecords)
		v1.GET("/rules/health", h.RuleHealth)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

type reprocessRequest struct {
	Force bool `json:"force"`
}

// ReprocessOccurrence godoc
// @Summary      Reprocess an occurrence
// @Description  Re-run routing for an occurrence; ignored occurrences require force
// @Tags         occurrences
// @Accept       json
// @Produce      json
// @Param        id       path      string            true   "Occurrence ID"
// @Param        options  body      reprocessRequest  false  "Reprocess options"
// @Success      200      {object}  occurrence.Occurrence
// @Failure      404      {object}  errors.ErrorResponse
// @Failure      409      {object}  errors.ErrorResponse
// @Failure      500      {object}  errors.ErrorResponse
// @Router       /occurrences/{id}/reprocess [post]
func (h *Handler) ReprocessOccurrence(c *gin.Context) {
	var req reprocessRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
			return
		}
	}

	occ, err := h.Router.Reprocess(c.Request.Context(), c.Param("id"), req.Force)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, occ)
}

// ListActionRecords godoc
// @Summary      List action records for an occurrence
// @Description  Dispatch audit history in chronological order, including records from reprocessing runs
// @Tags         occurrences
// @Produce      json
// @Param        id   path      string  true  "Occurrence ID"
// @Success      200  {array}   dispatch.ActionRecord
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /occurrences/{id}/actions [get]
func (h *Handler) ListActionRecords(c *gin.Context) {
	records, err := h.Records.ListRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	if records == nil {
		records = []dispatch.ActionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// RuleHealth godoc
// @Summary      Rule evaluation health
// @Description  Rules that failed to evaluate since startup, most recent first
// @Tags         rules
// @Produce      json
// @Success      200  {array}  RuleHealth
// @Router       /rules/health [get]
func (h *Handler) RuleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.Health.Snapshot())
}
