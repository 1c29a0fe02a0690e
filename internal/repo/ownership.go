package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ghostline/internal/domain"
)

const periodColumns = `id,job_guid,line_name,region,takeover_date,takeover_username,return_date,baseline_unit_count,baseline_snapshot_json,is_parent_takeover,status,created_at,updated_at`

func scanPeriod(row rowScanner) (domain.GhostOwnershipPeriod, error) {
	var p domain.GhostOwnershipPeriod
	var lineName, region, returnDate sql.NullString
	var baseline string
	var parent int
	err := row.Scan(&p.ID, &p.JobGUID, &lineName, &region, &p.TakeoverDate, &p.TakeoverUsername, &returnDate,
		&p.BaselineUnitCount, &baseline, &parent, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.LineName = lineName.String
	p.Region = region.String
	p.ReturnDate = stringPtr(returnDate)
	p.IsParentTakeover = parent != 0
	if baseline != "" {
		if err := json.Unmarshal([]byte(baseline), &p.BaselineSnapshot); err != nil {
			return p, fmt.Errorf("decode baseline for period %s: %w", p.ID, err)
		}
	}
	return p, nil
}

// InsertPeriod stores a new ownership period. At most one active period may exist
// per (job, takeover username); a duplicate yields ErrActivePeriodExists.
func (r Repo) InsertPeriod(ctx context.Context, tx *sql.Tx, p domain.GhostOwnershipPeriod) error {
	if p.Status == domain.PeriodActive {
		exists, err := r.ActivePeriodExists(ctx, tx, p.JobGUID, p.TakeoverUsername)
		if err != nil {
			return err
		}
		if exists {
			return ErrActivePeriodExists
		}
	}
	baseline := p.BaselineSnapshot
	if baseline == nil {
		baseline = []domain.UnitRecord{}
	}
	payload, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("encode baseline: %w", err)
	}
	parent := 0
	if p.IsParentTakeover {
		parent = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO ghost_ownership_periods(`+periodColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.JobGUID, nullable(p.LineName), nullable(p.Region), p.TakeoverDate, p.TakeoverUsername, nullableStringPtr(p.ReturnDate),
		p.BaselineUnitCount, string(payload), parent, p.Status, p.CreatedAt, p.UpdatedAt)
	if isActivePeriodViolation(err) {
		return ErrActivePeriodExists
	}
	return err
}

func (r Repo) ActivePeriodExists(ctx context.Context, tx *sql.Tx, jobGUID, username string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM ghost_ownership_periods WHERE job_guid=? AND takeover_username=? AND status=? LIMIT 1`,
		jobGUID, username, domain.PeriodActive).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// TakeoverTracked reports whether the takeover of job by username logged on date is
// already covered: an active period exists, or any period started on or after date.
func (r Repo) TakeoverTracked(ctx context.Context, tx *sql.Tx, jobGUID, username, date string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM ghost_ownership_periods WHERE job_guid=? AND takeover_username=? AND (status=? OR takeover_date>=?) LIMIT 1`,
		jobGUID, username, domain.PeriodActive, date).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetPeriod(ctx context.Context, tx *sql.Tx, id string) (domain.GhostOwnershipPeriod, error) {
	return scanPeriod(r.q(tx).QueryRowContext(ctx, `SELECT `+periodColumns+` FROM ghost_ownership_periods WHERE id=?`, id))
}

type PeriodFilters struct {
	JobGUID string
	Status  string
	Region  string
	Regions []string
}

func (r Repo) ListPeriods(ctx context.Context, f PeriodFilters) ([]domain.GhostOwnershipPeriod, error) {
	var clauses []string
	var args []any
	if f.JobGUID != "" {
		clauses = append(clauses, "job_guid=?")
		args = append(args, f.JobGUID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Region != "" {
		clauses = append(clauses, "region=?")
		args = append(args, f.Region)
	}
	if clause, vals := regionClause(f.Regions); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, vals...)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+periodColumns+` FROM ghost_ownership_periods `+whereClause(clauses)+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GhostOwnershipPeriod
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// LatestPeriodCreatedAt returns the newest created_at among all periods, or nil when none exist.
func (r Repo) LatestPeriodCreatedAt(ctx context.Context) (*time.Time, error) {
	var raw sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM ghost_ownership_periods`).Scan(&raw); err != nil {
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw.String)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", raw.String, err)
	}
	return &t, nil
}

// ResolvePeriod moves an active period to resolved with the given return date.
func (r Repo) ResolvePeriod(ctx context.Context, tx *sql.Tx, id, returnDate string, now time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE ghost_ownership_periods SET status=?, return_date=?, updated_at=? WHERE id=? AND status=?`,
		domain.PeriodResolved, returnDate, timestamp(now), id, domain.PeriodActive)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePeriodsForJob removes every period of a job. Evidence rows are kept and
// their period reference is cleared first.
func (r Repo) DeletePeriodsForJob(ctx context.Context, tx *sql.Tx, jobGUID string) (int, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `UPDATE ghost_unit_evidence SET period_id=NULL WHERE period_id IN (SELECT id FROM ghost_ownership_periods WHERE job_guid=?)`, jobGUID); err != nil {
		return 0, fmt.Errorf("detach evidence: %w", err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM ghost_ownership_periods WHERE job_guid=?`, jobGUID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
