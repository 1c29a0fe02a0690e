package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ghostline/internal/domain"
)

const monitorColumns = `job_guid,line_name,region,scope_year,cycle_type,current_status,current_assignee,total_length,latest_snapshot_json,first_snapshot_date,last_snapshot_date,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (domain.AssessmentMonitor, error) {
	var m domain.AssessmentMonitor
	var scopeYear, cycleType, assignee, latest, first, last sql.NullString
	err := row.Scan(&m.JobGUID, &m.LineName, &m.Region, &scopeYear, &cycleType, &m.CurrentStatus, &assignee,
		&m.TotalLength, &latest, &first, &last, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.ScopeYear = scopeYear.String
	m.CycleType = cycleType.String
	m.CurrentAssignee = assignee.String
	m.FirstSnapshotDate = first.String
	m.LastSnapshotDate = last.String
	if latest.Valid && latest.String != "" {
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(latest.String), &snap); err != nil {
			return m, fmt.Errorf("decode latest snapshot for %s: %w", m.JobGUID, err)
		}
		m.Latest = &snap
	}
	return m, nil
}

// GetMonitor returns the monitor row without its history.
func (r Repo) GetMonitor(ctx context.Context, tx *sql.Tx, jobGUID string) (domain.AssessmentMonitor, error) {
	return scanMonitor(r.q(tx).QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM assessment_monitors WHERE job_guid=?`, jobGUID))
}

// GetMonitorWithHistory returns the monitor row and every stored daily snapshot.
func (r Repo) GetMonitorWithHistory(ctx context.Context, jobGUID string) (domain.AssessmentMonitor, error) {
	m, err := r.GetMonitor(ctx, nil, jobGUID)
	if err != nil {
		return m, err
	}
	history, err := r.ListSnapshots(ctx, jobGUID)
	if err != nil {
		return m, err
	}
	m.History = history
	return m, nil
}

// UpsertMonitor inserts a new monitor, or refreshes status and assignee of an existing one.
// Descriptive fields are only written on insert.
func (r Repo) UpsertMonitor(ctx context.Context, tx *sql.Tx, m domain.AssessmentMonitor, now time.Time) error {
	ts := timestamp(now)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assessment_monitors(job_guid,line_name,region,scope_year,cycle_type,current_status,current_assignee,total_length,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(job_guid) DO UPDATE SET current_status=excluded.current_status, current_assignee=excluded.current_assignee, updated_at=excluded.updated_at`,
		m.JobGUID, m.LineName, m.Region, nullable(m.ScopeYear), nullable(m.CycleType), m.CurrentStatus, nullable(m.CurrentAssignee),
		m.TotalLength, ts, ts)
	return err
}

// PutSnapshot stores the snapshot for date, replacing any earlier entry for the same date,
// then re-derives first/last dates and the latest pointer from the history table.
func (r Repo) PutSnapshot(ctx context.Context, tx *sql.Tx, jobGUID, date string, snap domain.Snapshot, now time.Time) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO monitor_snapshots(job_guid,snapshot_date,snapshot_json) VALUES (?,?,?)
ON CONFLICT(job_guid,snapshot_date) DO UPDATE SET snapshot_json=excluded.snapshot_json`, jobGUID, date, string(payload)); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE assessment_monitors SET
  first_snapshot_date=(SELECT MIN(snapshot_date) FROM monitor_snapshots s WHERE s.job_guid=assessment_monitors.job_guid),
  last_snapshot_date=(SELECT MAX(snapshot_date) FROM monitor_snapshots s WHERE s.job_guid=assessment_monitors.job_guid),
  latest_snapshot_json=(SELECT snapshot_json FROM monitor_snapshots s WHERE s.job_guid=assessment_monitors.job_guid ORDER BY snapshot_date DESC LIMIT 1),
  updated_at=?
WHERE job_guid=?`, timestamp(now), jobGUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PreviousSnapshot returns the most recent snapshot dated strictly before date, or nil.
func (r Repo) PreviousSnapshot(ctx context.Context, tx *sql.Tx, jobGUID, date string) (*domain.Snapshot, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT snapshot_json FROM monitor_snapshots WHERE job_guid=? AND snapshot_date<? ORDER BY snapshot_date DESC LIMIT 1`, jobGUID, date).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns the daily history keyed by date.
func (r Repo) ListSnapshots(ctx context.Context, jobGUID string) (map[string]domain.Snapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT snapshot_date,snapshot_json FROM monitor_snapshots WHERE job_guid=? ORDER BY snapshot_date`, jobGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	history := map[string]domain.Snapshot{}
	for rows.Next() {
		var date, payload string
		if err := rows.Scan(&date, &payload); err != nil {
			return nil, err
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s/%s: %w", jobGUID, date, err)
		}
		history[date] = snap
	}
	return history, rows.Err()
}

type MonitorFilters struct {
	Region   string
	Regions  []string
	Status   string
	Limit    int
	CursorID string
}

func (r Repo) ListMonitors(ctx context.Context, f MonitorFilters) ([]domain.AssessmentMonitor, error) {
	var clauses []string
	var args []any
	if f.Region != "" {
		clauses = append(clauses, "region=?")
		args = append(args, f.Region)
	}
	if clause, vals := regionClause(f.Regions); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}
	if f.Status != "" {
		clauses = append(clauses, "current_status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != "" {
		clauses = append(clauses, "job_guid>?")
		args = append(args, f.CursorID)
	}
	query := `SELECT ` + monitorColumns + ` FROM assessment_monitors ` + whereClause(clauses) + ` ORDER BY job_guid`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssessmentMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
