package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ghostline/internal/domain"
	"ghostline/internal/engine/snapshot"
	"ghostline/internal/events"
	"ghostline/internal/gateway"
	"ghostline/internal/repo"
)

// BaselineMeta carries the descriptive fields copied onto a new period.
type BaselineMeta struct {
	LineName     string
	Region       string
	TakeoverDate string
}

// DefaultWatermark is the newest period creation time, or today minus the configured
// lookback when no period exists yet.
func (e Engine) DefaultWatermark(ctx context.Context, rc RunContext) (time.Time, error) {
	latest, err := e.Repo.LatestPeriodCreatedAt(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if latest != nil {
		return *latest, nil
	}
	days := e.cfg().Ghost.DefaultLookbackDays
	if days <= 0 {
		days = 7
	}
	return rc.Today.AddDate(0, 0, -days), nil
}

// CheckForOwnershipChanges scans the history log from since for takeovers by the
// monitored domain and opens a baseline period for each new (job, user) pair.
// It returns the number of periods created.
func (e Engine) CheckForOwnershipChanges(ctx context.Context, rc RunContext, since time.Time) (int, error) {
	gw, err := e.gateway()
	if err != nil {
		return 0, err
	}
	cfg := e.cfg()
	res, err := gw.Execute(ctx, gateway.OwnershipHistory(cfg.Ghost.DomainPrefix, since, rc.Regions, cfg.Monitoring.ActiveStatuses))
	if err != nil {
		return 0, fmt.Errorf("fetch ownership history: %w", err)
	}
	rows, err := res.Rows()
	if err != nil {
		e.log().Warn("ownership history is not a list", "error", err)
		return 0, nil
	}
	prefix := strings.ToUpper(cfg.Ghost.DomainPrefix)
	created := 0
	for _, row := range rows {
		job := row.String(gateway.ColJobGUID)
		user := row.String(gateway.ColUsername)
		if job == "" || user == "" || !strings.HasPrefix(strings.ToUpper(user), prefix) {
			continue
		}
		meta := BaselineMeta{
			LineName:     row.String(gateway.ColLineName),
			Region:       row.String(gateway.ColRegion),
			TakeoverDate: rc.Date(),
		}
		if meta.Region == "" {
			// history rows may omit the region; the monitor row knows it
			if m, err := e.Repo.GetMonitor(ctx, nil, job); err == nil {
				meta.Region = m.Region
				if meta.LineName == "" {
					meta.LineName = m.LineName
				}
			} else if !errors.Is(err, repo.ErrNotFound) {
				return created, err
			}
		}
		if !rc.admits(meta.Region) {
			continue
		}
		if logged := snapshot.ParseDate(row.String(gateway.ColLogDate)); logged != nil {
			meta.TakeoverDate = logged.Format(domain.DateLayout)
		}
		tracked, err := e.Repo.TakeoverTracked(ctx, nil, job, user, meta.TakeoverDate)
		if err != nil {
			return created, err
		}
		if tracked {
			continue
		}
		isParent := row.String(gateway.ColExtension) == cfg.Ghost.ParentMarker
		if _, err := e.CreateBaseline(ctx, rc, job, user, isParent, meta); err != nil {
			if errors.Is(err, repo.ErrActivePeriodExists) {
				continue
			}
			e.log().Warn("baseline skipped", "job_guid", job, "username", user, "error", err)
			continue
		}
		created++
	}
	e.log().Info("ownership check complete", "since", since.Format(domain.DateLayout), "rows", len(rows), "created", created)
	return created, nil
}

// CreateBaseline captures the current unit inventory of job and stores it as a new
// active ownership period for username.
func (e Engine) CreateBaseline(ctx context.Context, rc RunContext, jobGUID, username string, isParent bool, meta BaselineMeta) (domain.GhostOwnershipPeriod, error) {
	if jobGUID == "" || username == "" {
		return domain.GhostOwnershipPeriod{}, errors.New("job and username are required")
	}
	units, err := e.fetchInventory(ctx, jobGUID)
	if err != nil {
		return domain.GhostOwnershipPeriod{}, fmt.Errorf("capture baseline: %w", err)
	}
	if meta.TakeoverDate == "" {
		meta.TakeoverDate = rc.Date()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.GhostOwnershipPeriod{
		ID:                uuid.NewString(),
		JobGUID:           jobGUID,
		LineName:          meta.LineName,
		Region:            meta.Region,
		TakeoverDate:      meta.TakeoverDate,
		TakeoverUsername:  username,
		BaselineUnitCount: len(units),
		BaselineSnapshot:  units,
		IsParentTakeover:  isParent,
		Status:            domain.PeriodActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertPeriod(ctx, tx, p); err != nil {
			return err
		}
		_, err := e.Events.Append(ctx, tx, events.Entry{
			Type:       events.TypePeriodOpened,
			EntityKind: "ghost_period",
			EntityID:   p.ID,
			ActorID:    rc.actor(),
			Payload: events.EventPayload{
				"job_guid":            p.JobGUID,
				"takeover_username":   p.TakeoverUsername,
				"takeover_date":       p.TakeoverDate,
				"baseline_unit_count": p.BaselineUnitCount,
				"is_parent_takeover":  p.IsParentTakeover,
			},
		})
		return err
	})
	if err != nil {
		return domain.GhostOwnershipPeriod{}, err
	}
	return p, nil
}

// fetchInventory lists the current units of job. A malformed response is an error:
// treating it as an empty inventory would flag every baseline unit.
func (e Engine) fetchInventory(ctx context.Context, jobGUID string) ([]domain.UnitRecord, error) {
	gw, err := e.gateway()
	if err != nil {
		return nil, err
	}
	res, err := gw.Execute(ctx, gateway.UnitInventory(jobGUID))
	if err != nil {
		return nil, err
	}
	rows, err := res.Rows()
	if err != nil {
		return nil, fmt.Errorf("unit inventory for %s: %w", jobGUID, err)
	}
	units := make([]domain.UnitRecord, 0, len(rows))
	for _, row := range rows {
		id := row.String(gateway.ColUnitGUID)
		if id == "" {
			continue
		}
		units = append(units, domain.UnitRecord{
			UnitGUID:         id,
			UnitType:         row.String(gateway.ColUnitType),
			StationName:      row.String(gateway.ColStationName),
			PermissionStatus: row.String(gateway.ColPermissionStatus),
			Forester:         row.String(gateway.ColForester),
		})
	}
	return units, nil
}
