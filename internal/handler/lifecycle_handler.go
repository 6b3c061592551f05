package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-enrollment-api/internal/service"
	"github.com/noah-isme/sis-enrollment-api/pkg/response"
)

// LifecycleHandler exposes the section lifecycle sync endpoint.
type LifecycleHandler struct {
	service *service.LifecycleService
}

// NewLifecycleHandler constructs a lifecycle handler.
func NewLifecycleHandler(svc *service.LifecycleService) *LifecycleHandler {
	return &LifecycleHandler{service: svc}
}

// Sync godoc
// @Summary Run one lifecycle pass over a term
// @Description Deactivates teacherless sections and cancels their active registrations. Idempotent.
// @Tags Lifecycle
// @Produce json
// @Param termId query string false "Term ID, defaults to the current term"
// @Success 200 {object} response.Envelope
// @Router /lifecycle/sync [post]
func (h *LifecycleHandler) Sync(c *gin.Context) {
	result, err := h.service.Sync(c.Request.Context(), c.Query("termId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
