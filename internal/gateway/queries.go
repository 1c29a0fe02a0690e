package gateway

import (
	"time"
)

const (
	QueryActiveAssessments = "active_assessments"
	QuerySnapshotAggregate = "assessment_snapshot"
	QueryOwnershipHistory  = "ownership_history"
	QueryUnitInventory     = "unit_inventory"
)

// Column names of the active assessment feed.
const (
	ColJobGUID         = "job_guid"
	ColLineName        = "line_name"
	ColRegion          = "region"
	ColScopeYear       = "scope_year"
	ColCycleType       = "cycle_type"
	ColStatus          = "status"
	ColAssignedTo      = "assigned_to"
	ColTotalLength     = "total_length"
	ColCompletedLength = "completed_length"
	ColPercentComplete = "percent_complete"
)

// Column names of the ownership history scan.
const (
	ColUsername  = "username"
	ColLogDate   = "log_date"
	ColExtension = "extension"
)

// Column names of the unit inventory listing.
const (
	ColUnitGUID         = "unit_guid"
	ColUnitType         = "unit_type"
	ColStationName      = "station_name"
	ColPermissionStatus = "permission_status"
	ColForester         = "forester"
)

// ActiveAssessments requests the bulk feed, one row per assessment in any of statuses.
// An empty regions list means every region visible to the service account.
func ActiveAssessments(statuses, regions []string) Query {
	params := map[string]any{"statuses": statuses}
	if len(regions) > 0 {
		params["regions"] = regions
	}
	return Query{Name: QueryActiveAssessments, Params: params}
}

// SnapshotAggregate requests the combined per-assessment aggregate row.
func SnapshotAggregate(jobGUID string, agingDays int, areaThresholdSqm float64) Query {
	return Query{Name: QuerySnapshotAggregate, Params: map[string]any{
		"job_guid":           jobGUID,
		"aging_days":         agingDays,
		"area_threshold_sqm": areaThresholdSqm,
	}}
}

// OwnershipHistory requests history-log entries whose assignee starts with prefix,
// logged on or after since, for assessments in statuses.
func OwnershipHistory(prefix string, since time.Time, regions, statuses []string) Query {
	params := map[string]any{
		"assignee_prefix": prefix,
		"since":           since.UTC().Format("2006-01-02"),
		"statuses":        statuses,
	}
	if len(regions) > 0 {
		params["regions"] = regions
	}
	return Query{Name: QueryOwnershipHistory, Params: params}
}

// UnitInventory requests the current unit listing of an assessment.
func UnitInventory(jobGUID string) Query {
	return Query{Name: QueryUnitInventory, Params: map[string]any{"job_guid": jobGUID}}
}
