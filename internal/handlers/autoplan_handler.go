package handlers

import (
	"net/http"
	"strings"

	"growthgate/internal/services"

	"github.com/gin-gonic/gin"
)

// AutoplanHandler exposes the ROI campaign autoplanner.
type AutoplanHandler struct {
	autoplanService *services.AutoplanService
}

func NewAutoplanHandler(autoplanService *services.AutoplanService) *AutoplanHandler {
	return &AutoplanHandler{autoplanService: autoplanService}
}

// GeneratePreview computes a plan preview without side effects.
func (h *AutoplanHandler) GeneratePreview(c *gin.Context) {
	var req services.PreviewRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	// actions may arrive comma separated in a single query value
	if len(req.Actions) == 1 && strings.Contains(req.Actions[0], ",") {
		req.Actions = strings.Split(req.Actions[0], ",")
	}
	preview, err := h.autoplanService.GeneratePreview(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// ApplyAutoplan creates campaigns from a freshly regenerated preview.
func (h *AutoplanHandler) ApplyAutoplan(c *gin.Context) {
	var req services.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	result, err := h.autoplanService.ApplyAutoplan(c.Request.Context(), currentActor(c), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterAutoplanRoutes wires the autoplan endpoints.
func RegisterAutoplanRoutes(r *gin.RouterGroup, handler *AutoplanHandler) {
	autoplan := r.Group("/growth/autoplan")
	{
		autoplan.GET("/preview", handler.GeneratePreview)
		autoplan.POST("/apply", handler.ApplyAutoplan)
	}
}
