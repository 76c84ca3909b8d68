package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinicus/clinicus-backend/internal/model"
	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet   = "Results"
	feedbackSheet  = "Feedback"
	exportPageSize = 500
)

var resultHeaders = []string{"Student ID", "Name", "Email", "Score", "Percentage", "Submitted At"}

var feedbackHeaders = []string{"Student ID", "Question ID", "Feedback"}

// ExportService renders a test's results as an xlsx workbook.
type ExportService struct {
	results ResultLister
}

// NewExportService creates a new ExportService.
func NewExportService(results ResultLister) *ExportService {
	return &ExportService{results: results}
}

// ExportResults returns a workbook with one row per student on the Results sheet and one
// row per answered question on the Feedback sheet.
func (s *ExportService) ExportResults(ctx context.Context, testID int) ([]byte, error) {
	results, err := s.allResults(ctx, testID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(feedbackSheet); err != nil {
		return nil, fmt.Errorf("create feedback sheet: %w", err)
	}

	if err := writeRow(f, resultsSheet, 1, toCells(resultHeaders)); err != nil {
		return nil, err
	}
	if err := writeRow(f, feedbackSheet, 1, toCells(feedbackHeaders)); err != nil {
		return nil, err
	}

	feedbackRow := 2
	for i, r := range results {
		row := []interface{}{
			r.StudentID, r.StudentName, r.StudentEmail, r.Score, r.PercentageScore,
			r.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		if err := writeRow(f, resultsSheet, i+2, row); err != nil {
			return nil, err
		}
		for _, fb := range r.Feedback {
			if err := writeRow(f, feedbackSheet, feedbackRow, []interface{}{r.StudentID, fb.QuestionID, fb.Feedback}); err != nil {
				return nil, err
			}
			feedbackRow++
		}
	}

	if err := f.SetColWidth(feedbackSheet, "C", "C", 80); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return buf.Bytes(), nil
}

// ExportFilename is the download name of a test's export.
func ExportFilename(testID int) string {
	return fmt.Sprintf("test_%d_results.xlsx", testID)
}

func (s *ExportService) allResults(ctx context.Context, testID int) ([]model.StudentResult, error) {
	var all []model.StudentResult
	for offset := 0; ; offset += exportPageSize {
		page, total, err := s.results.ListByTest(ctx, testID, exportPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
		all = append(all, page...)
		if len(page) < exportPageSize || len(all) >= total {
			return all, nil
		}
	}
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", strings.ToLower(sheet), row, err)
	}
	return nil
}

func toCells(headers []string) []interface{} {
	cells := make([]interface{}, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	return cells
}
