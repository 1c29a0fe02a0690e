// Package report renders ghost evidence and monitor history as xlsx workbooks.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"ghostline/internal/domain"
)

const (
	EvidenceSheet = "Ghost Evidence"
	HistorySheet  = "History"
)

var evidenceHeader = []string{
	"Detected", "Job GUID", "Line", "Region", "Unit GUID", "Unit Type", "Station",
	"Permission", "Forester", "Takeover Date", "Takeover User", "Period",
}

var historyHeader = []string{
	"Date", "Total Units", "Work Units", "Non-Work Units", "Completed Length", "% Complete",
	"Notes %", "Last Edit", "Days Since Edit", "Pending Over Threshold", "Suspicious",
}

// EvidenceWorkbook lists evidence rows ordered by detection date, job and unit.
func EvidenceWorkbook(evidence []domain.GhostUnitEvidence) (*excelize.File, error) {
	rows := append([]domain.GhostUnitEvidence(nil), evidence...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].DetectedDate != rows[j].DetectedDate {
			return rows[i].DetectedDate < rows[j].DetectedDate
		}
		if rows[i].JobGUID != rows[j].JobGUID {
			return rows[i].JobGUID < rows[j].JobGUID
		}
		return rows[i].UnitGUID < rows[j].UnitGUID
	})

	f, err := newWorkbook(EvidenceSheet, evidenceHeader)
	if err != nil {
		return nil, err
	}
	for i, e := range rows {
		period := ""
		if e.PeriodID != nil {
			period = *e.PeriodID
		}
		values := []any{
			e.DetectedDate, e.JobGUID, e.LineName, e.Region, e.UnitGUID, e.UnitType, e.StationName,
			e.PermissionStatus, e.Forester, e.TakeoverDate, e.TakeoverUsername, period,
		}
		if err := writeRow(f, EvidenceSheet, i+2, values); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// MonitorHistoryWorkbook writes one row per snapshot date of m.
func MonitorHistoryWorkbook(m domain.AssessmentMonitor) (*excelize.File, error) {
	f, err := newWorkbook(HistorySheet, historyHeader)
	if err != nil {
		return nil, err
	}
	for i, date := range m.HistoryDates() {
		s := m.History[date]
		var lastEdit, daysSince any
		if s.Planner.LastEditDate != nil {
			lastEdit = *s.Planner.LastEditDate
		}
		if s.Planner.DaysSinceLastEdit != nil {
			daysSince = *s.Planner.DaysSinceLastEdit
		}
		values := []any{
			date, s.Units.Total, s.Units.Work, s.Units.NonWork, s.Footage.CompletedLength, s.Footage.PercentComplete,
			s.Notes.Percent, lastEdit, daysSince, s.Aging.PendingOverThreshold, s.Suspicious,
		}
		if err := writeRow(f, HistorySheet, i+2, values); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Write renders f to w and closes it.
func Write(f *excelize.File, w io.Writer) error {
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func newWorkbook(sheet string, header []string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		f.Close()
		return nil, err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	values := make([]any, len(header))
	for i, h := range header {
		values[i] = h
	}
	if err := writeRow(f, sheet, 1, values); err != nil {
		f.Close()
		return nil, err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}
