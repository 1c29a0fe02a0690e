package server

import (
	"encoding/json"

	"ghostline/internal/domain"
	"ghostline/internal/engine"
)

// Request payloads

type GhostRunRequest struct {
	Since string `json:"since,omitempty" format:"date" doc:"Ownership history watermark; defaults to the last period creation or the lookback window"`
}

// EvidenceQuery filters evidence listings and exports.
type EvidenceQuery struct {
	JobGUID  string `query:"job_guid"`
	PeriodID string `query:"period_id"`
	Region   string `query:"region"`
	Since    string `query:"since" doc:"Earliest detection date (YYYY-MM-DD)"`
}

// Response payloads

type MonitorResponse struct {
	JobGUID           string                     `json:"job_guid"`
	LineName          string                     `json:"line_name"`
	Region            string                     `json:"region"`
	ScopeYear         string                     `json:"scope_year,omitempty"`
	CycleType         string                     `json:"cycle_type,omitempty"`
	CurrentStatus     string                     `json:"current_status"`
	CurrentAssignee   string                     `json:"current_assignee,omitempty"`
	TotalLength       float64                    `json:"total_length"`
	FirstSnapshotDate string                     `json:"first_snapshot_date,omitempty" format:"date"`
	LastSnapshotDate  string                     `json:"last_snapshot_date,omitempty" format:"date"`
	Latest            *domain.Snapshot           `json:"latest,omitempty"`
	History           map[string]domain.Snapshot `json:"history,omitempty"`
	CreatedAt         string                     `json:"created_at" format:"date-time"`
	UpdatedAt         string                     `json:"updated_at" format:"date-time"`
}

type PeriodResponse struct {
	ID                string  `json:"id"`
	JobGUID           string  `json:"job_guid"`
	LineName          string  `json:"line_name,omitempty"`
	Region            string  `json:"region,omitempty"`
	TakeoverDate      string  `json:"takeover_date" format:"date"`
	TakeoverUsername  string  `json:"takeover_username"`
	ReturnDate        *string `json:"return_date,omitempty" format:"date"`
	BaselineUnitCount int     `json:"baseline_unit_count"`
	IsParentTakeover  bool    `json:"is_parent_takeover"`
	Status            string  `json:"status" enum:"active,resolved"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Regions []string `json:"regions"`
	Source  string   `json:"source"`
}

type SnapshotRunResponse struct {
	Date  string               `json:"date" format:"date"`
	Stats engine.SnapshotStats `json:"stats"`
}

type GhostRunResponse struct {
	Date  string                 `json:"date" format:"date"`
	Stats engine.GhostCycleStats `json:"stats"`
}

type paginatedMonitors struct {
	Items      []MonitorResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvidence struct {
	Items      []domain.GhostUnitEvidence `json:"items"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func monitorResponse(m domain.AssessmentMonitor) MonitorResponse {
	return MonitorResponse{
		JobGUID:           m.JobGUID,
		LineName:          m.LineName,
		Region:            m.Region,
		ScopeYear:         m.ScopeYear,
		CycleType:         m.CycleType,
		CurrentStatus:     m.CurrentStatus,
		CurrentAssignee:   m.CurrentAssignee,
		TotalLength:       m.TotalLength,
		FirstSnapshotDate: m.FirstSnapshotDate,
		LastSnapshotDate:  m.LastSnapshotDate,
		Latest:            m.Latest,
		History:           m.History,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func periodResponse(p domain.GhostOwnershipPeriod) PeriodResponse {
	return PeriodResponse{
		ID:                p.ID,
		JobGUID:           p.JobGUID,
		LineName:          p.LineName,
		Region:            p.Region,
		TakeoverDate:      p.TakeoverDate,
		TakeoverUsername:  p.TakeoverUsername,
		ReturnDate:        p.ReturnDate,
		BaselineUnitCount: p.BaselineUnitCount,
		IsParentTakeover:  p.IsParentTakeover,
		Status:            p.Status,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
