package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ghostline/internal/domain"
	"ghostline/internal/events"
)

// MissingUnits returns the baseline units absent from both current and detected,
// in baseline order and without repeats.
func MissingUnits(baseline []domain.UnitRecord, current, detected map[string]struct{}) []domain.UnitRecord {
	var missing []domain.UnitRecord
	seen := map[string]struct{}{}
	for _, u := range baseline {
		if _, ok := current[u.UnitGUID]; ok {
			continue
		}
		if _, ok := detected[u.UnitGUID]; ok {
			continue
		}
		if _, ok := seen[u.UnitGUID]; ok {
			continue
		}
		seen[u.UnitGUID] = struct{}{}
		missing = append(missing, u)
	}
	return missing
}

// RunComparison records one evidence row per baseline unit that is gone from the
// current inventory and not yet reported for the period. It returns the number of
// rows created.
func (e Engine) RunComparison(ctx context.Context, rc RunContext, period domain.GhostOwnershipPeriod) (int, error) {
	units, err := e.fetchInventory(ctx, period.JobGUID)
	if err != nil {
		return 0, fmt.Errorf("compare %s: %w", period.JobGUID, err)
	}
	current := make(map[string]struct{}, len(units))
	for _, u := range units {
		current[u.UnitGUID] = struct{}{}
	}

	date := rc.Date()
	now := e.now().UTC().Format(time.RFC3339)
	created := 0
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		detected, err := e.Repo.DetectedUnitGUIDs(ctx, tx, period.ID)
		if err != nil {
			return err
		}
		periodID := period.ID
		for _, u := range MissingUnits(period.BaselineSnapshot, current, detected) {
			ev := domain.GhostUnitEvidence{
				ID:               uuid.NewSHA1(uuid.NameSpaceOID, []byte(period.ID+"|"+u.UnitGUID)).String(),
				PeriodID:         &periodID,
				JobGUID:          period.JobGUID,
				LineName:         period.LineName,
				Region:           period.Region,
				UnitGUID:         u.UnitGUID,
				UnitType:         u.UnitType,
				StationName:      u.StationName,
				PermissionStatus: u.PermissionStatus,
				Forester:         u.Forester,
				DetectedDate:     date,
				TakeoverDate:     period.TakeoverDate,
				TakeoverUsername: period.TakeoverUsername,
				CreatedAt:        now,
			}
			if err := e.Repo.InsertEvidence(ctx, tx, ev); err != nil {
				return fmt.Errorf("insert evidence %s: %w", u.UnitGUID, err)
			}
			if _, err := e.Events.Append(ctx, tx, events.Entry{
				Type:       events.TypeUnitDetected,
				EntityKind: "ghost_evidence",
				EntityID:   ev.ID,
				ActorID:    rc.actor(),
				Payload: events.EventPayload{
					"period_id":         period.ID,
					"job_guid":          ev.JobGUID,
					"unit_guid":         ev.UnitGUID,
					"unit_type":         ev.UnitType,
					"permission_status": ev.PermissionStatus,
					"detected_date":     ev.DetectedDate,
					"takeover_username": ev.TakeoverUsername,
				},
			}); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		e.log().Warn("ghost units detected", "job_guid", period.JobGUID, "period_id", period.ID, "count", created)
	}
	return created, nil
}
