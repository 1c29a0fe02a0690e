// Package snapshot turns the combined per-assessment aggregate row into a domain.Snapshot.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ghostline/internal/domain"
	"ghostline/internal/gateway"
	"ghostline/internal/logger"
)

// ErrNoData marks an aggregate response that could not be read. The returned
// snapshot then carries zero values.
var ErrNoData = errors.New("no snapshot data")

// Columns of the aggregate row.
const (
	ColPermissionCounts  = "permission_counts"
	ColWorkUnits         = "work_units"
	ColNonWorkUnits      = "nonwork_units"
	ColTotalUnits        = "total_units"
	ColWorkTypes         = "work_type_breakdown"
	ColCompletedLength   = "completed_length"
	ColPercentComplete   = "percent_complete"
	ColUnitsWithNotes    = "units_with_notes"
	ColUnitsWithoutNotes = "units_without_notes"
	ColNotesPercent      = "notes_percent"
	ColLastEditDate      = "last_edit_date"
	ColPendingOverAge    = "pending_over_threshold"
)

type Aggregator struct {
	Gateway          gateway.Gateway
	AgingDays        int
	AreaThresholdSqm float64
	Log              *logger.Logger
}

// Build issues one aggregate query for jobGUID and converts the first row.
// Gateway failures are returned as is; unreadable responses yield ErrNoData
// together with a zero snapshot.
func (a Aggregator) Build(ctx context.Context, jobGUID string, today time.Time) (domain.Snapshot, error) {
	empty := FromRow(nil, a.AgingDays, today)
	res, err := a.Gateway.Execute(ctx, gateway.SnapshotAggregate(jobGUID, a.AgingDays, a.AreaThresholdSqm))
	if err != nil {
		return empty, err
	}
	rows, err := res.Rows()
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	if len(rows) == 0 {
		return empty, fmt.Errorf("%w: empty aggregate for %s", ErrNoData, jobGUID)
	}
	snap := FromRow(rows[0], a.AgingDays, today)
	if a.Log != nil {
		for _, col := range []string{ColPermissionCounts, ColWorkTypes} {
			var probe map[string]any
			if err := rows[0].Decode(col, &probe); err != nil {
				a.Log.Warn("malformed aggregate column", "job_guid", jobGUID, "column", col, "error", err)
			}
		}
	}
	return snap, nil
}

// FromRow is the pure transformation behind Build. A nil row yields a zero snapshot.
func FromRow(row gateway.Row, agingDays int, today time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		PermissionCounts: map[string]int{},
		WorkTypes:        map[string]float64{},
		Aging:            domain.Aging{ThresholdDays: agingDays},
	}
	if row == nil {
		return snap
	}

	var perms map[string]float64
	if err := row.Decode(ColPermissionCounts, &perms); err == nil {
		for k, v := range perms {
			snap.PermissionCounts[k] = int(v)
		}
	}
	var works map[string]float64
	if err := row.Decode(ColWorkTypes, &works); err == nil {
		for k, v := range works {
			snap.WorkTypes[k] = v
		}
	}

	snap.Units.Work = row.Int(ColWorkUnits)
	snap.Units.NonWork = row.Int(ColNonWorkUnits)
	if row.Has(ColTotalUnits) {
		snap.Units.Total = row.Int(ColTotalUnits)
	} else {
		snap.Units.Total = snap.Units.Work + snap.Units.NonWork
	}

	snap.Footage.CompletedLength = row.Float(ColCompletedLength)
	snap.Footage.PercentComplete = row.Float(ColPercentComplete)

	snap.Notes.WithNotes = row.Int(ColUnitsWithNotes)
	snap.Notes.WithoutNotes = row.Int(ColUnitsWithoutNotes)
	if row.Has(ColNotesPercent) {
		snap.Notes.Percent = row.Float(ColNotesPercent)
	} else if total := snap.Notes.WithNotes + snap.Notes.WithoutNotes; total > 0 {
		snap.Notes.Percent = math.Round(float64(snap.Notes.WithNotes)/float64(total)*1000) / 10
	}

	if edited := ParseDate(row.String(ColLastEditDate)); edited != nil {
		d := edited.Format(domain.DateLayout)
		days := DaysBetween(*edited, today)
		snap.Planner.LastEditDate = &d
		snap.Planner.DaysSinceLastEdit = &days
	}

	snap.Aging.PendingOverThreshold = row.Int(ColPendingOverAge)
	return snap
}

var wrappedDate = regexp.MustCompile(`^/Date\((.*)\)/$`)

// UnwrapDate strips the vendor wrapper "/Date(...)/" when present.
func UnwrapDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := wrappedDate.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// ParseDate unwraps and parses raw. Wrapped epoch milliseconds are accepted,
// with an optional zone offset suffix. Unparsable input yields nil.
func ParseDate(raw string) *time.Time {
	s := UnwrapDate(raw)
	if s == "" {
		return nil
	}
	wrapped := s != strings.TrimSpace(raw)
	if ms, ok := epochMillis(s); ok && wrapped {
		t := time.UnixMilli(ms).UTC()
		return &t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

var epochPattern = regexp.MustCompile(`^(-?\d+)([+-]\d{4})?$`)

func epochMillis(s string) (int64, bool) {
	m := epochPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// DaysBetween counts calendar days from from to to, ignoring the time of day.
func DaysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
