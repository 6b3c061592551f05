package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/service"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
	"github.com/noah-isme/sis-enrollment-api/pkg/response"
)

// RegistrationHandler exposes registration endpoints.
type RegistrationHandler struct {
	service *service.RegistrationService
}

// NewRegistrationHandler constructs a registration handler.
func NewRegistrationHandler(svc *service.RegistrationService) *RegistrationHandler {
	return &RegistrationHandler{service: svc}
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type switchPayload struct {
	NewSectionID string `json:"new_section_id" binding:"required"`
}

// List godoc
// @Summary List registrations
// @Tags Registrations
// @Produce json
// @Param studentId query string false "Filter by student"
// @Param sectionId query string false "Filter by section"
// @Param termId query string false "Filter by term"
// @Param status query string false "Filter by status"
// @Param flagged query bool false "Filter by conflict flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /registrations [get]
func (h *RegistrationHandler) List(c *gin.Context) {
	var filter models.RegistrationFilter
	filter.StudentID = c.Query("studentId")
	filter.SectionID = c.Query("sectionId")
	filter.TermID = c.Query("termId")
	filter.Status = models.RegistrationStatus(c.Query("status"))
	if flagged := c.Query("flagged"); flagged != "" {
		if val, err := strconv.ParseBool(flagged); err == nil {
			filter.Flagged = &val
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	registrations, pagination, err := h.service.List(c.Request.Context(), filter, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, registrations, pagination)
}

// Get godoc
// @Summary Get registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id} [get]
func (h *RegistrationHandler) Get(c *gin.Context) {
	reg, err := h.service.Get(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Register godoc
// @Summary Register a student into a section
// @Tags Registrations
// @Accept json
// @Produce json
// @Param payload body service.RegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Router /registrations [post]
func (h *RegistrationHandler) Register(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	reg, err := h.service.Register(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, reg)
}

// Switch godoc
// @Summary Atomically replace a registration with one in another section
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body switchPayload true "Switch payload"
// @Success 201 {object} response.Envelope
// @Router /registrations/{id}/switch [post]
func (h *RegistrationHandler) Switch(c *gin.Context) {
	var req switchPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	reg, err := h.service.Switch(c.Request.Context(), c.Param("id"), req.NewSectionID, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, reg)
}

// Approve godoc
// @Summary Approve a pending registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/approve [post]
func (h *RegistrationHandler) Approve(c *gin.Context) {
	reg, err := h.service.Approve(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// Reject godoc
// @Summary Reject a pending registration (admin)
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body reasonPayload false "Decision reason"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/reject [post]
func (h *RegistrationHandler) Reject(c *gin.Context) {
	var req reasonPayload
	_ = c.ShouldBindJSON(&req)
	reg, err := h.service.Reject(c.Request.Context(), c.Param("id"), actorFromContext(c), req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// RequestRejection godoc
// @Summary Request rejection of a pending registration (teacher)
// @Tags Registrations
// @Accept json
// @Produce json
// @Param id path string true "Registration ID"
// @Param payload body reasonPayload true "Request reason"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/request-rejection [post]
func (h *RegistrationHandler) RequestRejection(c *gin.Context) {
	var req reasonPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if err := h.service.RequestRejection(c.Request.Context(), c.Param("id"), actorFromContext(c), req.Reason); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"status": "rejection requested"}, nil)
}

// Drop godoc
// @Summary Drop an active registration
// @Tags Registrations
// @Produce json
// @Param id path string true "Registration ID"
// @Success 200 {object} response.Envelope
// @Router /registrations/{id}/drop [post]
func (h *RegistrationHandler) Drop(c *gin.Context) {
	reg, err := h.service.Drop(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reg, nil)
}

// CompleteTerm godoc
// @Summary Close a term, completing approved registrations
// @Tags Registrations
// @Produce json
// @Param id path string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /terms/{id}/complete [post]
func (h *RegistrationHandler) CompleteTerm(c *gin.Context) {
	result, err := h.service.CompleteTerm(c.Request.Context(), c.Param("id"), actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
