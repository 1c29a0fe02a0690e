package repo

import (
	"context"
	"database/sql"

	"ghostline/internal/domain"
)

const evidenceColumns = `id,period_id,job_guid,line_name,region,unit_guid,unit_type,station_name,permission_status,forester,detected_date,takeover_date,takeover_username,created_at`

// InsertEvidence appends one row to the evidence ledger.
func (r Repo) InsertEvidence(ctx context.Context, tx *sql.Tx, e domain.GhostUnitEvidence) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ghost_unit_evidence(`+evidenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.PeriodID), e.JobGUID, nullable(e.LineName), nullable(e.Region), e.UnitGUID, nullable(e.UnitType),
		nullable(e.StationName), nullable(e.PermissionStatus), nullable(e.Forester), e.DetectedDate, e.TakeoverDate, e.TakeoverUsername, e.CreatedAt)
	return err
}

// DetectedUnitGUIDs returns the unit ids already recorded as evidence for a period.
func (r Repo) DetectedUnitGUIDs(ctx context.Context, tx *sql.Tx, periodID string) (map[string]struct{}, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT DISTINCT unit_guid FROM ghost_unit_evidence WHERE period_id=?`, periodID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

type EvidenceFilters struct {
	JobGUID  string
	PeriodID string
	Region   string
	Regions  []string
	Since    string
	Limit    int
	CursorTS string
	CursorID string
}

func (r Repo) ListEvidence(ctx context.Context, f EvidenceFilters) ([]domain.GhostUnitEvidence, error) {
	var clauses []string
	var args []any
	if f.JobGUID != "" {
		clauses = append(clauses, "job_guid=?")
		args = append(args, f.JobGUID)
	}
	if f.PeriodID != "" {
		clauses = append(clauses, "period_id=?")
		args = append(args, f.PeriodID)
	}
	if f.Region != "" {
		clauses = append(clauses, "region=?")
		args = append(args, f.Region)
	}
	if clause, vals := regionClause(f.Regions); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}
	if f.Since != "" {
		clauses = append(clauses, "detected_date>=?")
		args = append(args, f.Since)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	query := `SELECT ` + evidenceColumns + ` FROM ghost_unit_evidence ` + whereClause(clauses) + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GhostUnitEvidence
	for rows.Next() {
		var e domain.GhostUnitEvidence
		var periodID, lineName, region, unitType, station, permission, forester sql.NullString
		if err := rows.Scan(&e.ID, &periodID, &e.JobGUID, &lineName, &region, &e.UnitGUID, &unitType, &station, &permission, &forester,
			&e.DetectedDate, &e.TakeoverDate, &e.TakeoverUsername, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PeriodID = stringPtr(periodID)
		e.LineName = lineName.String
		e.Region = region.String
		e.UnitType = unitType.String
		e.StationName = station.String
		e.PermissionStatus = permission.String
		e.Forester = forester.String
		res = append(res, e)
	}
	return res, rows.Err()
}
