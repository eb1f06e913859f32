package handlers

import (
	"net/http"
	"strconv"
	"time"

	"growthgate/internal/models"
	"growthgate/internal/services"

	"github.com/gin-gonic/gin"
)

// FreezeHandler exposes freeze state, override governance and postmortem
// tracking.
type FreezeHandler struct {
	freezeService   *services.FreezeService
	overrideService *services.OverrideService
}

func NewFreezeHandler(freezeService *services.FreezeService, overrideService *services.OverrideService) *FreezeHandler {
	return &FreezeHandler{
		freezeService:   freezeService,
		overrideService: overrideService,
	}
}

// GetFreezeState evaluates and returns the current launch-freeze state.
func (h *FreezeHandler) GetFreezeState(c *gin.Context) {
	state, err := h.freezeService.Evaluate(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ApplyOverrideRequest is the body for a direct override apply.
type ApplyOverrideRequest struct {
	models.OverridePayload
	Reason        string     `json:"reason" binding:"required"`
	ExpiresAt     *time.Time `json:"expires_at"`
	IncidentKey   string     `json:"incident_key"`
	PostmortemURL string     `json:"postmortem_url"`
}

// ApplyOverride installs an override (privileged roles only).
func (h *FreezeHandler) ApplyOverride(c *gin.Context) {
	var req ApplyOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	override, err := h.overrideService.ApplyOverride(c.Request.Context(), currentActor(c),
		&req.OverridePayload, req.Reason, req.ExpiresAt, req.IncidentKey, req.PostmortemURL)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, override)
}

// ClearOverrideRequest is the body for an override clear.
type ClearOverrideRequest struct {
	Reason string `json:"reason"`
}

// ClearOverride retires the active override. Clearing with none active is
// a structured no-op, not an error.
func (h *FreezeHandler) ClearOverride(c *gin.Context) {
	var req ClearOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	override, cleared, err := h.overrideService.ClearOverride(c.Request.Context(), currentActor(c), req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cleared":  cleared,
		"override": override,
	})
}

// CreateOverrideRequestBody is the body for a non-privileged override ask.
type CreateOverrideRequestBody struct {
	models.OverridePayload
	Reason string `json:"reason" binding:"required"`
}

// CreateOverrideRequest opens a pending override request.
func (h *FreezeHandler) CreateOverrideRequest(c *gin.Context) {
	var req CreateOverrideRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	request, err := h.overrideService.CreateOverrideRequest(c.Request.Context(), currentActor(c), &req.OverridePayload, req.Reason)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, request)
}

// ListOverrideRequests returns pending override requests.
func (h *FreezeHandler) ListOverrideRequests(c *gin.Context) {
	requests, err := h.overrideService.ListPendingRequests(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": requests, "total": len(requests)})
}

// DecideOverrideRequestBody is the body for an approve/reject decision.
type DecideOverrideRequestBody struct {
	Approve        *bool      `json:"approve" binding:"required"`
	DecisionReason string     `json:"decision_reason"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// DecideOverrideRequest settles a pending request.
func (h *FreezeHandler) DecideOverrideRequest(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "invalid request id"})
		return
	}
	var req DecideOverrideRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	request, err := h.overrideService.DecideOverrideRequest(c.Request.Context(), currentActor(c),
		uint(id), *req.Approve, req.DecisionReason, req.ExpiresAt)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, request)
}

// ListOverrideHistory returns the override audit journal, newest first.
func (h *FreezeHandler) ListOverrideHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	history, err := h.overrideService.ListOverrideHistory(c.Request.Context(), limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": history, "total": len(history)})
}

// GetPostmortemSummary reports outstanding vs overdue postmortems.
func (h *FreezeHandler) GetPostmortemSummary(c *gin.Context) {
	summary, err := h.overrideService.SummarizePostmortems(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// CompletePostmortemRequest is the body for a postmortem completion.
type CompletePostmortemRequest struct {
	URL   string `json:"url" binding:"required"`
	Notes string `json:"notes"`
}

// CompletePostmortem closes an incident's postmortem obligation.
func (h *FreezeHandler) CompletePostmortem(c *gin.Context) {
	incidentKey := c.Param("incidentKey")
	var req CompletePostmortemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	incident, err := h.overrideService.RecordPostmortemCompletion(c.Request.Context(), currentActor(c),
		incidentKey, req.URL, req.Notes)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, incident)
}

// RegisterFreezeRoutes wires the freeze and governance endpoints.
func RegisterFreezeRoutes(r *gin.RouterGroup, handler *FreezeHandler) {
	growth := r.Group("/growth")
	{
		growth.GET("/freeze", handler.GetFreezeState)
		growth.POST("/freeze/override", handler.ApplyOverride)
		growth.DELETE("/freeze/override", handler.ClearOverride)
		growth.POST("/freeze/override/requests", handler.CreateOverrideRequest)
		growth.GET("/freeze/override/requests", handler.ListOverrideRequests)
		growth.PATCH("/freeze/override/requests/:id", handler.DecideOverrideRequest)
		growth.GET("/freeze/history", handler.ListOverrideHistory)
		growth.GET("/postmortems", handler.GetPostmortemSummary)
		growth.POST("/postmortems/:incidentKey/complete", handler.CompletePostmortem)
	}
}
