package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ghostline/internal/config"
	"ghostline/internal/domain"
	"ghostline/internal/engine/snapshot"
	"ghostline/internal/events"
	"ghostline/internal/gateway"
	"ghostline/internal/logger"
	"ghostline/internal/repo"
)

// DefaultActor is used when a run is started without an explicit identity.
const DefaultActor = "ghostline-service"

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Sink    events.Sink
	Config  *config.Config
	Gateway gateway.Gateway
	Log     *logger.Logger
	Now     func() time.Time
}

// New wires an engine whose closure notifications are stored in the event log and
// also drop the ghost tracking periods of the closed assessment.
func New(db *sql.DB, cfg *config.Config, gw gateway.Gateway, log *logger.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Gateway: gw,
		Log:     log,
		Now:     time.Now,
	}
	e.Sink = events.Fanout{events.LogSink{Writer: e.Events}, e.CleanupSink()}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Nop()
	}
	return e.Log
}

func (e Engine) gateway() (gateway.Gateway, error) {
	if e.Gateway == nil {
		return nil, errors.New("gateway not configured")
	}
	return e.Gateway, nil
}

func (e Engine) aggregator() snapshot.Aggregator {
	cfg := e.cfg()
	return snapshot.Aggregator{
		Gateway:          e.Gateway,
		AgingDays:        cfg.Monitoring.AgingThresholdDays,
		AreaThresholdSqm: cfg.Monitoring.NotesAreaThresholdSqm,
		Log:              e.log(),
	}
}

// RunContext is the identity and clock of one orchestrator run.
type RunContext struct {
	Actor   string
	Regions []string
	Today   time.Time
}

// NewRunContext builds a run context from the configured scope.
func NewRunContext(cfg *config.Config, actor string, now time.Time) RunContext {
	if actor == "" {
		actor = DefaultActor
	}
	var regions []string
	if cfg != nil {
		regions = append(regions, cfg.Scope.Regions...)
	}
	return RunContext{Actor: actor, Regions: regions, Today: now.UTC()}
}

// Date is the calendar day of the run.
func (rc RunContext) Date() string {
	return rc.Today.UTC().Format(domain.DateLayout)
}

func (rc RunContext) actor() string {
	if rc.Actor == "" {
		return DefaultActor
	}
	return rc.Actor
}

// InScope reports whether region is visible to the run. No regions means all.
func (rc RunContext) InScope(region string) bool {
	if len(rc.Regions) == 0 {
		return true
	}
	for _, r := range rc.Regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// admits applies InScope to records that carry a region. Records without one are
// kept: the feeds they came from were already filtered by region.
func (rc RunContext) admits(region string) bool {
	return region == "" || rc.InScope(region)
}

// fetchActive reads the active-assessment feed. A malformed response yields ok=false
// without an error.
func (e Engine) fetchActive(ctx context.Context, rc RunContext) (assessments []domain.Assessment, ok bool, err error) {
	gw, err := e.gateway()
	if err != nil {
		return nil, false, err
	}
	cfg := e.cfg()
	res, err := gw.Execute(ctx, gateway.ActiveAssessments(cfg.Monitoring.ActiveStatuses, rc.Regions))
	if err != nil {
		return nil, false, err
	}
	rows, err := res.Rows()
	if err != nil {
		e.log().Warn("active feed is not a list", "error", err)
		return nil, false, nil
	}
	seen := map[string]struct{}{}
	for _, row := range rows {
		a := assessmentFromRow(row)
		if a.JobGUID == "" || !cfg.IsActiveStatus(a.Status) || !rc.InScope(a.Region) {
			continue
		}
		if _, dup := seen[a.JobGUID]; dup {
			continue
		}
		seen[a.JobGUID] = struct{}{}
		assessments = append(assessments, a)
	}
	return assessments, true, nil
}

func assessmentFromRow(row gateway.Row) domain.Assessment {
	return domain.Assessment{
		JobGUID:         row.String(gateway.ColJobGUID),
		LineName:        row.String(gateway.ColLineName),
		Region:          row.String(gateway.ColRegion),
		ScopeYear:       row.String(gateway.ColScopeYear),
		CycleType:       row.String(gateway.ColCycleType),
		Status:          strings.ToUpper(row.String(gateway.ColStatus)),
		AssignedTo:      row.String(gateway.ColAssignedTo),
		TotalLength:     row.Float(gateway.ColTotalLength),
		PercentComplete: row.Float(gateway.ColPercentComplete),
	}
}
