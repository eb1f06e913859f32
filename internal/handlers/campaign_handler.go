package handlers

import (
	"net/http"
	"strconv"

	"growthgate/internal/services"

	"github.com/gin-gonic/gin"
)

// CampaignHandler exposes campaign lifecycle and launch dispatch.
type CampaignHandler struct {
	campaignService *services.CampaignService
	dispatchService *services.DispatchService
}

func NewCampaignHandler(campaignService *services.CampaignService, dispatchService *services.DispatchService) *CampaignHandler {
	return &CampaignHandler{
		campaignService: campaignService,
		dispatchService: dispatchService,
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "invalid campaign id"})
		return 0, false
	}
	return uint(id), true
}

// ListCampaigns returns a filtered campaign page.
func (h *CampaignHandler) ListCampaigns(c *gin.Context) {
	var req services.ListCampaignsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	campaigns, total, err := h.campaignService.ListCampaigns(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     campaigns,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// GetCampaign returns one campaign.
func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	campaign, err := h.campaignService.GetCampaign(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// CreateCampaign inserts a manual draft campaign.
func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var req services.CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	campaign, err := h.campaignService.CreateCampaign(c.Request.Context(), currentActor(c), req)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, campaign)
}

// LaunchCampaignRequest is the body for a launch attempt.
type LaunchCampaignRequest struct {
	Force    bool              `json:"force"`
	Priority int               `json:"priority"`
	Metadata map[string]string `json:"metadata"`
}

// LaunchCampaign routes one campaign through launch admission and
// dispatch. Duplicate launches return the existing job with deduped=true.
func (h *CampaignHandler) LaunchCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req LaunchCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	result, err := h.dispatchService.AdmitAndLaunch(c.Request.Context(), currentActor(c), id, services.LaunchOptions{
		Force:    req.Force,
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// TransitionCampaignRequest is the body for pause/complete/cancel.
type TransitionCampaignRequest struct {
	Note string `json:"note"`
}

func (h *CampaignHandler) transition(c *gin.Context, transition string) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req TransitionCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	campaign, err := h.campaignService.Transition(c.Request.Context(), currentActor(c), id, transition, req.Note)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// PauseCampaign pauses an active campaign.
func (h *CampaignHandler) PauseCampaign(c *gin.Context) { h.transition(c, "pause") }

// CompleteCampaign completes an active or paused campaign.
func (h *CampaignHandler) CompleteCampaign(c *gin.Context) { h.transition(c, "complete") }

// CancelCampaign cancels an open campaign.
func (h *CampaignHandler) CancelCampaign(c *gin.Context) { h.transition(c, "cancel") }

// ListCampaignEvents returns the campaign's audit trail.
func (h *CampaignHandler) ListCampaignEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	events, err := h.campaignService.ListEvents(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": events, "total": len(events)})
}

// RegisterCampaignRoutes wires the campaign endpoints.
func RegisterCampaignRoutes(r *gin.RouterGroup, handler *CampaignHandler) {
	campaigns := r.Group("/campaigns")
	{
		campaigns.GET("", handler.ListCampaigns)
		campaigns.POST("", handler.CreateCampaign)
		campaigns.GET("/:id", handler.GetCampaign)
		campaigns.POST("/:id/launch", handler.LaunchCampaign)
		campaigns.POST("/:id/pause", handler.PauseCampaign)
		campaigns.POST("/:id/complete", handler.CompleteCampaign)
		campaigns.POST("/:id/cancel", handler.CancelCampaign)
		campaigns.GET("/:id/events", handler.ListCampaignEvents)
	}
}
