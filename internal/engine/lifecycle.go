package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ghostline/internal/domain"
	"ghostline/internal/events"
	"ghostline/internal/repo"
)

// ResolveOwnershipReturn runs a final comparison and then marks the period resolved
// with today as return date. The period stays active when the comparison fails.
func (e Engine) ResolveOwnershipReturn(ctx context.Context, rc RunContext, period domain.GhostOwnershipPeriod) (int, error) {
	found, err := e.RunComparison(ctx, rc, period)
	if err != nil {
		return 0, err
	}
	returnDate := rc.Date()
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ResolvePeriod(ctx, tx, period.ID, returnDate, e.now()); err != nil {
			return fmt.Errorf("resolve period %s: %w", period.ID, err)
		}
		_, err := e.Events.Append(ctx, tx, events.Entry{
			Type:       events.TypePeriodResolved,
			EntityKind: "ghost_period",
			EntityID:   period.ID,
			ActorID:    rc.actor(),
			Payload: events.EventPayload{
				"job_guid":          period.JobGUID,
				"takeover_username": period.TakeoverUsername,
				"return_date":       returnDate,
				"final_evidence":    found,
			},
		})
		return err
	})
	return found, err
}

// CleanupOnClose deletes every ownership period of job. Evidence rows stay and lose
// their period reference. It returns the number of periods removed.
func (e Engine) CleanupOnClose(ctx context.Context, rc RunContext, jobGUID string) (int, error) {
	var removed int
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		n, err := e.Repo.DeletePeriodsForJob(ctx, tx, jobGUID)
		if err != nil {
			return err
		}
		removed = n
		if n == 0 {
			return nil
		}
		_, err = e.Events.Append(ctx, tx, events.Entry{
			Type:       events.TypePeriodDeleted,
			EntityKind: "assessment",
			EntityID:   jobGUID,
			ActorID:    rc.actor(),
			Payload:    events.EventPayload{"job_guid": jobGUID, "periods": n},
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.log().Info("ghost periods removed on close", "job_guid", jobGUID, "periods", removed)
	}
	return removed, nil
}

// CleanupSink drops ghost periods of every assessment reported as closed.
func (e Engine) CleanupSink() events.Sink {
	return events.SinkFunc(func(ctx context.Context, c events.Closure) error {
		rc := RunContext{Actor: c.ActorID, Today: c.DetectedAt}
		_, err := e.CleanupOnClose(ctx, rc, c.JobGUID)
		return err
	})
}

// GhostCycleStats summarizes one ghost cycle.
type GhostCycleStats struct {
	NewPeriods  int `json:"new_periods"`
	Compared    int `json:"compared"`
	Resolved    int `json:"resolved"`
	Cleaned     int `json:"cleaned"`
	NewEvidence int `json:"new_evidence"`
}

// RunGhostCycle checks for new takeovers from since (or the default watermark when
// since is nil), then walks every active period: periods of jobs gone from the active
// feed are cleaned up, periods whose job changed hands are resolved, the rest are compared.
func (e Engine) RunGhostCycle(ctx context.Context, rc RunContext, since *time.Time) (GhostCycleStats, error) {
	var stats GhostCycleStats
	watermark := time.Time{}
	if since != nil {
		watermark = *since
	} else {
		w, err := e.DefaultWatermark(ctx, rc)
		if err != nil {
			return stats, fmt.Errorf("watermark: %w", err)
		}
		watermark = w
	}
	created, err := e.CheckForOwnershipChanges(ctx, rc, watermark)
	if err != nil {
		return stats, err
	}
	stats.NewPeriods = created

	assessments, ok, err := e.fetchActive(ctx, rc)
	if err != nil {
		return stats, fmt.Errorf("fetch active assessments: %w", err)
	}
	if !ok {
		return stats, nil
	}
	assignees := make(map[string]string, len(assessments))
	for _, a := range assessments {
		assignees[a.JobGUID] = a.AssignedTo
	}

	periods, err := e.Repo.ListPeriods(ctx, repo.PeriodFilters{Status: domain.PeriodActive})
	if err != nil {
		return stats, err
	}
	cleaned := map[string]struct{}{}
	for _, p := range periods {
		if !rc.admits(p.Region) {
			continue
		}
		if _, done := cleaned[p.JobGUID]; done {
			continue
		}
		assignee, active := assignees[p.JobGUID]
		switch {
		case !active:
			n, err := e.CleanupOnClose(ctx, rc, p.JobGUID)
			if err != nil {
				e.log().Warn("cleanup failed", "job_guid", p.JobGUID, "error", err)
				continue
			}
			cleaned[p.JobGUID] = struct{}{}
			stats.Cleaned += n
		case !strings.EqualFold(assignee, p.TakeoverUsername):
			n, err := e.ResolveOwnershipReturn(ctx, rc, p)
			if err != nil {
				e.log().Warn("resolve failed", "period_id", p.ID, "job_guid", p.JobGUID, "error", err)
				continue
			}
			stats.Resolved++
			stats.NewEvidence += n
		default:
			n, err := e.RunComparison(ctx, rc, p)
			if err != nil {
				e.log().Warn("comparison failed", "period_id", p.ID, "job_guid", p.JobGUID, "error", err)
				continue
			}
			stats.Compared++
			stats.NewEvidence += n
		}
	}
	e.log().Info("ghost cycle complete", "date", rc.Date(), "new_periods", stats.NewPeriods, "compared", stats.Compared,
		"resolved", stats.Resolved, "cleaned", stats.Cleaned, "new_evidence", stats.NewEvidence)
	return stats, nil
}
