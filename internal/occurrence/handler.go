package occurrence

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/models"
)

// OccurrenceRouter routes a stored occurrence through the rule set. It is
// implemented by the routing package and injected to keep the dependency
// direction one way.
type OccurrenceRouter interface {
	RouteByID(ctx context.Context, id string) error
}

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)

	status := errors.ToHTTPStatus(err)
	response := errors.ToErrorResponse(err)

	c.JSON(status, response)
}

type Handler struct {
	BaseHandler
	Router        OccurrenceRouter
	RouteOnIngest bool
}

func NewHandler(service Service, router OccurrenceRouter, routeOnIngest bool, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
		Router:        router,
		RouteOnIngest: routeOnIngest,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		occurrences := v1.Group("/occurrences")
		{
			occurrences.POST("", h.IngestOccurrence)
			occurrences.POST("/manual", h.CreateManualOccurrence)
			occurrences.GET("", h.QueryOccurrences)
			occurrences.GET("/:id", h.GetOccurrence)
		}
	}
}

// IngestOccurrence godoc
// @Summary      Ingest an occurrence
// @Description  Ingest a canonical occurrence envelope; duplicate (source, source_id) pairs return the stored occurrence
// @Tags         occurrences
// @Accept       json
// @Produce      json
// @Param        envelope  body      models.OccurrenceEnvelope  true  "Occurrence envelope"
// @Success      200       {object}  IngestResponse
// @Success      201       {object}  IngestResponse
// @Failure      400       {object}  errors.ErrorResponse
// @Failure      500       {object}  errors.ErrorResponse
// @Router       /occurrences [post]
func (h *Handler) IngestOccurrence(c *gin.Context) {
	var envelope models.OccurrenceEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	occ, created, err := h.Service.Ingest(c.Request.Context(), envelope)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if created {
		occ = h.routeIngested(c, occ)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, IngestResponse{Occurrence: occ, Created: created})
}

// CreateManualOccurrence godoc
// @Summary      Create a manual occurrence
// @Description  Create a synthetic occurrence for exercising rules; it is routed immediately
// @Tags         occurrences
// @Accept       json
// @Produce      json
// @Param        occurrence  body      ManualOccurrenceRequest  true  "Manual occurrence data"
// @Success      201         {object}  Occurrence
// @Failure      400         {object}  errors.ErrorResponse
// @Failure      500         {object}  errors.ErrorResponse
// @Router       /occurrences/manual [post]
func (h *Handler) CreateManualOccurrence(c *gin.Context) {
	var req ManualOccurrenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	occ, err := h.Service.CreateManual(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if h.Router != nil {
		if err := h.Router.RouteByID(c.Request.Context(), occ.ID); err != nil {
			h.HandleError(c, err)
			return
		}
		occ, err = h.Service.Get(c.Request.Context(), occ.ID)
		if err != nil {
			h.HandleError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, occ)
}

// QueryOccurrences godoc
// @Summary      Query occurrences
// @Description  List occurrences filtered by status, source, sender substring and occurred_at range
// @Tags         occurrences
// @Produce      json
// @Param        status  query     string  false  "Status filter"
// @Param        source  query     string  false  "Source filter"
// @Param        sender  query     string  false  "Sender substring filter"
// @Param        from    query     string  false  "Occurred-at lower bound (RFC3339)"
// @Param        to      query     string  false  "Occurred-at upper bound (RFC3339)"
// @Param        limit   query     int     false  "Page size (default 100, max 1000)"
// @Param        offset  query     int     false  "Page offset"
// @Success      200     {array}   Occurrence
// @Failure      400     {object}  errors.ErrorResponse
// @Failure      500     {object}  errors.ErrorResponse
// @Router       /occurrences [get]
func (h *Handler) QueryOccurrences(c *gin.Context) {
	filter := Filter{
		Status: Status(c.Query("status")),
		Source: c.Query("source"),
		Sender: c.Query("sender"),
	}

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "invalid 'from' timestamp, expected RFC3339")))
			return
		}
		filter.OccurredFrom = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "invalid 'to' timestamp, expected RFC3339")))
			return
		}
		filter.OccurredTo = &t
	}

	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Limit = v
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			filter.Offset = v
		}
	}

	occurrences, err := h.Service.Query(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if occurrences == nil {
		occurrences = []Occurrence{}
	}
	c.JSON(http.StatusOK, occurrences)
}

// GetOccurrence godoc
// @Summary      Get an occurrence
// @Description  Get a single occurrence by id
// @Tags         occurrences
// @Produce      json
// @Param        id   path      string  true  "Occurrence ID"
// @Success      200  {object}  Occurrence
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /occurrences/{id} [get]
func (h *Handler) GetOccurrence(c *gin.Context) {
	occ, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, occ)
}

// routeIngested runs the routing pass for a freshly ingested occurrence and
// returns the re-read occurrence so the response reflects the routed status.
// Routing failures are not ingest failures; the sweeper picks the
// occurrence up again while it stays pending.
func (h *Handler) routeIngested(c *gin.Context, occ *Occurrence) *Occurrence {
	if !h.RouteOnIngest || h.Router == nil {
		return occ
	}

	if err := h.Router.RouteByID(c.Request.Context(), occ.ID); err != nil {
		if errors.IsRoutingInProgress(err) {
			return occ
		}
		h.Logger.WarnwCtx(c.Request.Context(), "Routing after ingest failed",
			"error", err,
			"occurrence_id", occ.ID,
		)
	}

	routed, err := h.Service.Get(c.Request.Context(), occ.ID)
	if err != nil {
		return occ
	}
	return routed
}
