package rules

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay/internal/logger"
	"relay/pkg/errors"
)

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
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		rules := v1.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
		}
	}
}

// ListRules godoc
// @Summary      List routing rules
// @Description  Get all routing rules in evaluation order, optionally restricted to enabled ones
// @Tags         rules
// @Produce      json
// @Param        enabled_only  query     bool  false  "Only enabled rules"
// @Success      200           {array}   Rule
// @Failure      500           {object}  errors.ErrorResponse
// @Router       /rules [get]
func (h *Handler) ListRules(c *gin.Context) {
	enabledOnly, _ := strconv.ParseBool(c.DefaultQuery("enabled_only", "false"))

	rules, err := h.Service.List(c.Request.Context(), enabledOnly)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if rules == nil {
		rules = []Rule{}
	}
	c.JSON(http.StatusOK, rules)
}

// CreateRule godoc
// @Summary      Create a routing rule
// @Description  Create a routing rule; conditions and action config are validated before the rule is stored
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        rule  body      CreateRuleRequest  true  "Routing rule data"
// @Success      201   {object}  Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Failure      500   {object}  errors.ErrorResponse
// @Router       /rules [post]
func (h *Handler) CreateRule(c *gin.Context) {
	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.Create(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule godoc
// @Summary      Get a routing rule
// @Tags         rules
// @Produce      json
// @Param        id   path      string  true  "Rule ID"
// @Success      200  {object}  Rule
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/{id} [get]
func (h *Handler) GetRule(c *gin.Context) {
	rule, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

// UpdateRule godoc
// @Summary      Update a routing rule
// @Tags         rules
// @Accept       json
// @Produce      json
// @Param        id    path      string             true  "Rule ID"
// @Param        rule  body      UpdateRuleRequest  true  "Routing rule data"
// @Success      200   {object}  Rule
// @Failure      400   {object}  errors.ErrorResponse
// @Failure      404   {object}  errors.ErrorResponse
// @Failure      409   {object}  errors.ErrorResponse
// @Failure      500   {object}  errors.ErrorResponse
// @Router       /rules/{id} [put]
func (h *Handler) UpdateRule(c *gin.Context) {
	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	rule, err := h.Service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, rule)
}

// DeleteRule godoc
// @Summary      Delete a routing rule
// @Tags         rules
// @Produce      json
// @Param        id   path  string  true  "Rule ID"
// @Success      204
// @Failure      404  {object}  errors.ErrorResponse
// @Failure      500  {object}  errors.ErrorResponse
// @Router       /rules/{id} [delete]
func (h *Handler) DeleteRule(c *gin.Context) {
	if err := h.Service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.HandleError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
