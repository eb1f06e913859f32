package handlers

import (
	"net/http"
	"strconv"

	"growthgate/internal/services"

	"github.com/gin-gonic/gin"
)

// ReviewHandler exposes the pre-publish review queue.
type ReviewHandler struct {
	reviewService *services.ReviewService
}

func NewReviewHandler(reviewService *services.ReviewService) *ReviewHandler {
	return &ReviewHandler{reviewService: reviewService}
}

// ListOpenReviews returns pending review tasks ordered by due time.
func (h *ReviewHandler) ListOpenReviews(c *gin.Context) {
	tasks, err := h.reviewService.ListOpenTasks(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks, "total": len(tasks)})
}

// DecideReviewRequest is the body for a review decision.
type DecideReviewRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Note    string `json:"note"`
}

// DecideReview settles a pending review task.
func (h *ReviewHandler) DecideReview(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "invalid review task id"})
		return
	}
	var req DecideReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}
	task, err := h.reviewService.Decide(c.Request.Context(), currentActor(c), uint(id), *req.Approve, req.Note)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// RegisterReviewRoutes wires the review endpoints.
func RegisterReviewRoutes(r *gin.RouterGroup, handler *ReviewHandler) {
	reviews := r.Group("/reviews")
	{
		reviews.GET("", handler.ListOpenReviews)
		reviews.POST("/:id/decide", handler.DecideReview)
	}
}
