package handlers

import (
	"errors"
	"net/http"

	"growthgate/internal/models"
	"growthgate/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the structured error body for every failure class.
// Error carries the machine-readable reason code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse wraps list endpoints.
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// SuccessResponse wraps simple mutation acknowledgements.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// currentActor reconstructs the acting user from the auth middleware's
// context keys.
func currentActor(c *gin.Context) *models.User {
	actor := &models.User{Role: "viewer"}
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uint); ok {
			actor.ID = id
		}
	}
	if v, ok := c.Get("role"); ok {
		if r, ok := v.(string); ok && r != "" {
			actor.Role = r
		}
	}
	return actor
}

// writeServiceError maps the service error taxonomy to HTTP statuses:
// 400 validation, 403 policy, 404 missing, 409 conflict, 502 dependency,
// 500 everything else.
func writeServiceError(c *gin.Context, err error) {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ve.Reason, Message: ve.Message})
		return
	}
	var pe *services.PolicyError
	if errors.As(err, &pe) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: pe.Reason, Message: pe.Message})
		return
	}
	var nfe *services.NotFoundError
	if errors.As(err, &nfe) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: nfe.Message})
		return
	}
	var ce *services.ConflictError
	if errors.As(err, &ce) {
		c.JSON(http.StatusConflict, ErrorResponse{Error: ce.Reason, Message: ce.Message})
		return
	}
	var de *services.DependencyError
	if errors.As(err, &de) {
		logrus.Errorf("dependency failure: %v", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "dependency_failed", Message: de.Error()})
		return
	}
	logrus.Errorf("unhandled service error: %v", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "unexpected server error"})
}
