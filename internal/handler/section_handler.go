package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/internal/service"
	appErrors "github.com/noah-isme/sis-enrollment-api/pkg/errors"
	"github.com/noah-isme/sis-enrollment-api/pkg/response"
)

// SectionHandler exposes section and timetable endpoints.
type SectionHandler struct {
	service *service.SectionService
	exports *service.ExportService
}

// NewSectionHandler constructs a section handler.
func NewSectionHandler(svc *service.SectionService, exports *service.ExportService) *SectionHandler {
	return &SectionHandler{service: svc, exports: exports}
}

// List godoc
// @Summary List sections
// @Tags Sections
// @Produce json
// @Param termId query string false "Filter by term"
// @Param subjectId query string false "Filter by subject"
// @Param teacherId query string false "Filter by teacher"
// @Param isActive query bool false "Filter by active flag"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /sections [get]
func (h *SectionHandler) List(c *gin.Context) {
	var filter models.SectionFilter
	filter.TermID = c.Query("termId")
	filter.SubjectID = c.Query("subjectId")
	filter.TeacherID = c.Query("teacherId")
	if isActive := c.Query("isActive"); isActive != "" {
		if val, err := strconv.ParseBool(isActive); err == nil {
			filter.IsActive = &val
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

	sections, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sections, pagination)
}

// Get godoc
// @Summary Get section
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Success 200 {object} response.Envelope
// @Router /sections/{id} [get]
func (h *SectionHandler) Get(c *gin.Context) {
	section, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, section, nil)
}

// Create godoc
// @Summary Create section
// @Description Create a section; classroom and teacher conflicts block the request
// @Tags Sections
// @Accept json
// @Produce json
// @Param payload body service.CreateSectionRequest true "Section payload"
// @Success 201 {object} response.Envelope
// @Router /sections [post]
func (h *SectionHandler) Create(c *gin.Context) {
	var req service.CreateSectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	section, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, section)
}

// Update godoc
// @Summary Update section
// @Tags Sections
// @Accept json
// @Produce json
// @Param id path string true "Section ID"
// @Param payload body service.EditSectionRequest true "Section payload"
// @Success 200 {object} response.Envelope
// @Router /sections/{id} [put]
func (h *SectionHandler) Update(c *gin.Context) {
	var req service.EditSectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	section, err := h.service.Edit(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, section, nil)
}

// ExpandSchedule godoc
// @Summary Expand a section's weekly slots into calendar dates
// @Tags Sections
// @Produce json
// @Param id path string true "Section ID"
// @Param termId query string true "Term ID"
// @Success 200 {object} response.Envelope
// @Router /sections/{id}/schedule [get]
func (h *SectionHandler) ExpandSchedule(c *gin.Context) {
	termID := c.Query("termId")
	if termID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "termId is required"))
		return
	}
	occurrences, err := h.service.ExpandSchedule(c.Request.Context(), c.Param("id"), termID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, occurrences, nil)
}

// ExportSchedule godoc
// @Summary Download the expanded timetable as CSV or PDF
// @Tags Sections
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Section ID"
// @Param termId query string true "Term ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /sections/{id}/schedule/export [get]
func (h *SectionHandler) ExportSchedule(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "exports are disabled"))
		return
	}
	termID := c.Query("termId")
	if termID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "termId is required"))
		return
	}
	sectionID := c.Param("id")

	switch c.DefaultQuery("format", "csv") {
	case "csv":
		data, err := h.exports.TimetableCSV(c.Request.Context(), sectionID, termID)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=timetable-%s.csv", sectionID))
		c.Data(http.StatusOK, "text/csv", data)
	case "pdf":
		data, err := h.exports.TimetablePDF(c.Request.Context(), sectionID, termID)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=timetable-%s.pdf", sectionID))
		c.Data(http.StatusOK, "application/pdf", data)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
	}
}
