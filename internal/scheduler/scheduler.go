// Package scheduler triggers the daily snapshot and ghost cycle on cron schedules.
// At most one run is in flight at a time, whether started by cron or on demand:
// a closure found by the snapshot deletes ghost periods the cycle may be comparing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"ghostline/internal/config"
	"ghostline/internal/engine"
	"ghostline/internal/logger"
)

// ErrBusy is returned when another run is still in progress.
var ErrBusy = errors.New("run already in progress")

// Runner serializes orchestrator runs.
type Runner struct {
	Engine engine.Engine
	Log    *logger.Logger
	Now    func() time.Time

	mu sync.Mutex
}

func NewRunner(e engine.Engine, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{Engine: e, Log: log, Now: time.Now}
}

func (r *Runner) runContext(actor string) engine.RunContext {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return engine.NewRunContext(r.Engine.Config, actor, now())
}

// RunSnapshot runs the daily snapshot for today unless another run is in progress.
func (r *Runner) RunSnapshot(ctx context.Context, actor string) (engine.SnapshotStats, error) {
	if !r.mu.TryLock() {
		return engine.SnapshotStats{}, ErrBusy
	}
	defer r.mu.Unlock()
	return r.Engine.RunDailySnapshot(ctx, r.runContext(actor))
}

// RunGhost runs the ghost cycle unless another run is in progress. A nil since uses
// the default watermark.
func (r *Runner) RunGhost(ctx context.Context, actor string, since *time.Time) (engine.GhostCycleStats, error) {
	if !r.mu.TryLock() {
		return engine.GhostCycleStats{}, ErrBusy
	}
	defer r.mu.Unlock()
	return r.Engine.RunGhostCycle(ctx, r.runContext(actor), since)
}

type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	log    *logger.Logger
}

// New registers the configured schedules. An empty spec disables that job.
func New(runner *Runner, cfg config.ScheduleConfig) (*Scheduler, error) {
	s := &Scheduler{cron: cron.NewWithLocation(time.UTC), runner: runner, log: runner.Log}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if cfg.Snapshot != "" {
		if err := s.cron.AddFunc(cfg.Snapshot, s.snapshotTick); err != nil {
			return nil, fmt.Errorf("schedule snapshot %q: %w", cfg.Snapshot, err)
		}
	}
	if cfg.Ghost != "" {
		if err := s.cron.AddFunc(cfg.Ghost, s.ghostTick); err != nil {
			return nil, fmt.Errorf("schedule ghost cycle %q: %w", cfg.Ghost, err)
		}
	}
	return s, nil
}

// Jobs returns the number of registered schedules.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) snapshotTick() {
	stats, err := s.runner.RunSnapshot(context.Background(), engine.DefaultActor)
	switch {
	case errors.Is(err, ErrBusy):
		s.log.Warn("snapshot tick skipped, previous run still active")
	case err != nil:
		s.log.Error("scheduled snapshot failed", "error", err)
	default:
		s.log.Info("scheduled snapshot done", "snapshots", stats.Snapshots, "new", stats.New, "closed", stats.Closed)
	}
}

func (s *Scheduler) ghostTick() {
	stats, err := s.runner.RunGhost(context.Background(), engine.DefaultActor, nil)
	switch {
	case errors.Is(err, ErrBusy):
		s.log.Warn("ghost tick skipped, previous run still active")
	case err != nil:
		s.log.Error("scheduled ghost cycle failed", "error", err)
	default:
		s.log.Info("scheduled ghost cycle done", "new_periods", stats.NewPeriods, "new_evidence", stats.NewEvidence)
	}
}
