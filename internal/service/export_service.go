package service

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/noah-isme/sis-enrollment-api/internal/models"
	"github.com/noah-isme/sis-enrollment-api/pkg/export"
)

type scheduleExpander interface {
	ExpandSchedule(ctx context.Context, sectionID, termID string) ([]models.SessionOccurrence, error)
}

// ExportService renders a section's expanded timetable for download.
type ExportService struct {
	expander scheduleExpander
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewExportService instantiates ExportService.
func NewExportService(expander scheduleExpander, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{
		expander: expander,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
	}
}

// TimetableCSV renders the expanded timetable as CSV bytes.
func (s *ExportService) TimetableCSV(ctx context.Context, sectionID, termID string) ([]byte, error) {
	dataset, err := s.buildDataset(ctx, sectionID, termID)
	if err != nil {
		return nil, err
	}
	return s.csv.Render(dataset)
}

// TimetablePDF renders the expanded timetable as PDF bytes.
func (s *ExportService) TimetablePDF(ctx context.Context, sectionID, termID string) ([]byte, error) {
	dataset, err := s.buildDataset(ctx, sectionID, termID)
	if err != nil {
		return nil, err
	}
	return s.pdf.Render(dataset, fmt.Sprintf("Section Timetable %s", sectionID))
}

func (s *ExportService) buildDataset(ctx context.Context, sectionID, termID string) (export.Dataset, error) {
	occurrences, err := s.expander.ExpandSchedule(ctx, sectionID, termID)
	if err != nil {
		return export.Dataset{}, err
	}

	rows := make([]map[string]string, 0, len(occurrences))
	for _, occ := range occurrences {
		teacher := ""
		if occ.TeacherID != nil {
			teacher = *occ.TeacherID
		}
		rows = append(rows, map[string]string{
			"date":      occ.Date.Format("2006-01-02"),
			"week":      strconv.Itoa(occ.Week),
			"weekday":   occ.Weekday.String(),
			"period":    strconv.Itoa(occ.Period),
			"classroom": occ.ClassroomID,
			"teacher":   teacher,
		})
	}
	return export.Dataset{
		Headers: []string{"date", "week", "weekday", "period", "classroom", "teacher"},
		Rows:    rows,
	}, nil
}
