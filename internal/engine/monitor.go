package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"ghostline/internal/domain"
	"ghostline/internal/engine/snapshot"
	"ghostline/internal/events"
	"ghostline/internal/repo"
)

// SnapshotStats summarizes one daily snapshot run.
type SnapshotStats struct {
	Snapshots int `json:"snapshots"`
	New       int `json:"new"`
	Closed    int `json:"closed"`
}

// RunDailySnapshot snapshots every active assessment for rc.Today, then reports monitors
// that left the active feed. A failed feed fetch aborts the run; a failure on a single
// assessment only skips it.
func (e Engine) RunDailySnapshot(ctx context.Context, rc RunContext) (SnapshotStats, error) {
	var stats SnapshotStats
	assessments, ok, err := e.fetchActive(ctx, rc)
	if err != nil {
		return stats, fmt.Errorf("fetch active assessments: %w", err)
	}
	if !ok {
		return stats, nil
	}

	limit := e.cfg().Monitoring.Concurrency
	if limit < 1 {
		limit = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	active := make(map[string]struct{}, len(assessments))
	for _, a := range assessments {
		active[a.JobGUID] = struct{}{}
		g.Go(func() error {
			created, err := e.SnapshotAssessment(gctx, rc, a)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.log().Warn("snapshot skipped", "job_guid", a.JobGUID, "error", err)
				return nil
			}
			mu.Lock()
			stats.Snapshots++
			if created {
				stats.New++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	closed, err := e.DetectClosures(ctx, rc, active)
	if err != nil {
		return stats, fmt.Errorf("detect closures: %w", err)
	}
	stats.Closed = len(closed)
	e.log().Info("daily snapshot complete", "date", rc.Date(), "snapshots", stats.Snapshots, "new", stats.New, "closed", stats.Closed)
	return stats, nil
}

// SnapshotAssessment builds today's snapshot for a and stores it atomically with the
// monitor upsert. It reports whether the monitor was created by this call.
func (e Engine) SnapshotAssessment(ctx context.Context, rc RunContext, a domain.Assessment) (bool, error) {
	snap, err := e.aggregator().Build(ctx, a.JobGUID, rc.Today)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNoData) {
			return false, err
		}
		e.log().Warn("aggregate unreadable, storing zero snapshot", "job_guid", a.JobGUID, "error", err)
	}
	if snap.Footage.PercentComplete == 0 && a.PercentComplete > 0 {
		snap.Footage.PercentComplete = a.PercentComplete
	}

	date := rc.Date()
	now := e.now()
	created := false
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.Repo.GetMonitor(ctx, tx, a.JobGUID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			created = true
		case err != nil:
			return err
		}
		if !created && e.cfg().Monitoring.ZeroCountCheck {
			prev, err := e.Repo.PreviousSnapshot(ctx, tx, a.JobGUID, date)
			if err != nil {
				return err
			}
			snap.Suspicious = ZeroCountDrop(prev, snap)
		}
		m := domain.AssessmentMonitor{
			JobGUID:         a.JobGUID,
			LineName:        a.LineName,
			Region:          a.Region,
			ScopeYear:       a.ScopeYear,
			CycleType:       a.CycleType,
			CurrentStatus:   a.Status,
			CurrentAssignee: a.AssignedTo,
			TotalLength:     a.TotalLength,
		}
		if err := e.Repo.UpsertMonitor(ctx, tx, m, now); err != nil {
			return fmt.Errorf("upsert monitor: %w", err)
		}
		if err := e.Repo.PutSnapshot(ctx, tx, a.JobGUID, date, snap, now); err != nil {
			return fmt.Errorf("store snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if snap.Suspicious {
		e.log().Warn("unit count dropped to zero", "job_guid", a.JobGUID, "date", date)
	}
	return created, nil
}

// ZeroCountDrop reports a transition from a positive unit total to zero between the
// previous snapshot and next.
func ZeroCountDrop(prev *domain.Snapshot, next domain.Snapshot) bool {
	return prev != nil && prev.Units.Total > 0 && next.Units.Total == 0
}

// DetectClosures returns every in-scope monitor whose job is missing from active and
// notifies the sink once per monitor. Monitor rows are left untouched.
func (e Engine) DetectClosures(ctx context.Context, rc RunContext, active map[string]struct{}) ([]domain.AssessmentMonitor, error) {
	monitors, err := e.Repo.ListMonitors(ctx, repo.MonitorFilters{})
	if err != nil {
		return nil, err
	}
	var closed []domain.AssessmentMonitor
	for _, m := range monitors {
		if _, ok := active[m.JobGUID]; ok || !rc.InScope(m.Region) {
			continue
		}
		closed = append(closed, m)
	}
	if e.Sink == nil {
		return closed, nil
	}
	for _, m := range closed {
		err := e.Sink.AssessmentClosed(ctx, events.Closure{
			JobGUID:    m.JobGUID,
			Monitor:    m,
			DetectedAt: e.now(),
			ActorID:    rc.actor(),
		})
		if err != nil {
			e.log().Error("closure notification failed", "job_guid", m.JobGUID, "error", err)
		}
	}
	return closed, nil
}
