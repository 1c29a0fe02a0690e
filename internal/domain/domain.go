package domain

import "sort"

// Assessment statuses as reported by the upstream system.
const (
	StatusNew    = "NEW"
	StatusActive = "ACTIVE"
	StatusQC     = "QC"
	StatusRework = "REWORK"
	StatusClosed = "CLOSED"
)

// Ownership period statuses.
const (
	PeriodActive   = "active"
	PeriodResolved = "resolved"
)

// DateLayout is the calendar-day key used for snapshot history and ledger dates.
const DateLayout = "2006-01-02"

// Assessment is one row of the active-assessment feed.
type Assessment struct {
	JobGUID         string  `json:"job_guid"`
	LineName        string  `json:"line_name"`
	Region          string  `json:"region"`
	ScopeYear       string  `json:"scope_year,omitempty"`
	CycleType       string  `json:"cycle_type,omitempty"`
	Status          string  `json:"status" enum:"NEW,ACTIVE,QC,REWORK,CLOSED"`
	AssignedTo      string  `json:"assigned_to,omitempty"`
	TotalLength     float64 `json:"total_length"`
	PercentComplete float64 `json:"percent_complete"`
}

type UnitCounts struct {
	Work    int `json:"work"`
	NonWork int `json:"non_work"`
	Total   int `json:"total"`
}

type Footage struct {
	CompletedLength float64 `json:"completed_length"`
	PercentComplete float64 `json:"percent_complete"`
}

type NotesCompliance struct {
	WithNotes    int     `json:"with_notes"`
	WithoutNotes int     `json:"without_notes"`
	Percent      float64 `json:"percent"`
}

type PlannerActivity struct {
	LastEditDate      *string `json:"last_edit_date,omitempty" format:"date"`
	DaysSinceLastEdit *int    `json:"days_since_last_edit,omitempty"`
}

type Aging struct {
	PendingOverThreshold int `json:"pending_over_threshold"`
	ThresholdDays        int `json:"threshold_days"`
}

// Snapshot is one day's observed state of an assessment.
type Snapshot struct {
	PermissionCounts map[string]int     `json:"permission_counts"`
	Units            UnitCounts         `json:"units"`
	WorkTypes        map[string]float64 `json:"work_types"`
	Footage          Footage            `json:"footage"`
	Notes            NotesCompliance    `json:"notes"`
	Planner          PlannerActivity    `json:"planner"`
	Aging            Aging              `json:"aging"`
	Suspicious       bool               `json:"suspicious"`
}

// AssessmentMonitor is the denormalized per-assessment history row.
type AssessmentMonitor struct {
	JobGUID           string              `json:"job_guid"`
	LineName          string              `json:"line_name"`
	Region            string              `json:"region"`
	ScopeYear         string              `json:"scope_year,omitempty"`
	CycleType         string              `json:"cycle_type,omitempty"`
	CurrentStatus     string              `json:"current_status"`
	CurrentAssignee   string              `json:"current_assignee,omitempty"`
	TotalLength       float64             `json:"total_length"`
	History           map[string]Snapshot `json:"history,omitempty"`
	Latest            *Snapshot           `json:"latest,omitempty"`
	FirstSnapshotDate string              `json:"first_snapshot_date,omitempty" format:"date"`
	LastSnapshotDate  string              `json:"last_snapshot_date,omitempty" format:"date"`
	CreatedAt         string              `json:"created_at" format:"date-time"`
	UpdatedAt         string              `json:"updated_at" format:"date-time"`
}

// HistoryDates returns the history keys in chronological order.
func (m AssessmentMonitor) HistoryDates() []string {
	dates := make([]string, 0, len(m.History))
	for d := range m.History {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// UnitRecord is one unit of an assessment's inventory as frozen in a baseline.
type UnitRecord struct {
	UnitGUID         string `json:"unit_guid"`
	UnitType         string `json:"unit_type"`
	StationName      string `json:"station_name,omitempty"`
	PermissionStatus string `json:"permission_status,omitempty"`
	Forester         string `json:"forester,omitempty"`
}

type GhostOwnershipPeriod struct {
	ID                string       `json:"id"`
	JobGUID           string       `json:"job_guid"`
	LineName          string       `json:"line_name,omitempty"`
	Region            string       `json:"region,omitempty"`
	TakeoverDate      string       `json:"takeover_date" format:"date"`
	TakeoverUsername  string       `json:"takeover_username"`
	ReturnDate        *string      `json:"return_date,omitempty" format:"date"`
	BaselineUnitCount int          `json:"baseline_unit_count"`
	BaselineSnapshot  []UnitRecord `json:"baseline_snapshot,omitempty"`
	IsParentTakeover  bool         `json:"is_parent_takeover"`
	Status            string       `json:"status" enum:"active,resolved"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

// GhostUnitEvidence records one unit that vanished during an ownership period.
// PeriodID is a weak reference and is nil once the period has been cleaned up.
type GhostUnitEvidence struct {
	ID               string  `json:"id"`
	PeriodID         *string `json:"period_id,omitempty"`
	JobGUID          string  `json:"job_guid"`
	LineName         string  `json:"line_name,omitempty"`
	Region           string  `json:"region,omitempty"`
	UnitGUID         string  `json:"unit_guid"`
	UnitType         string  `json:"unit_type"`
	StationName      string  `json:"station_name,omitempty"`
	PermissionStatus string  `json:"permission_status,omitempty"`
	Forester         string  `json:"forester,omitempty"`
	DetectedDate     string  `json:"detected_date" format:"date"`
	TakeoverDate     string  `json:"takeover_date" format:"date"`
	TakeoverUsername string  `json:"takeover_username"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
