package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostline/internal/config"
	"ghostline/internal/db"
	"ghostline/internal/engine"
	"ghostline/internal/gateway"
	"ghostline/internal/migrate"
)

// fakeGateway answers the four query shapes from in-memory state.
type fakeGateway struct {
	mu         sync.Mutex
	active     []map[string]any
	aggregates map[string]map[string]any
	history    []map[string]any
	inventory  map[string][]map[string]any
	failures   map[string]error
	raw        map[string]string
	calls      map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		aggregates: map[string]map[string]any{},
		inventory:  map[string][]map[string]any{},
		failures:   map[string]error{},
		raw:        map[string]string{},
		calls:      map[string]int{},
	}
}

func (f *fakeGateway) Execute(_ context.Context, q gateway.Query) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[q.Name]++
	job, _ := q.Params["job_guid"].(string)
	if err, ok := f.failures[q.Name+"/"+job]; ok {
		return gateway.Result{}, err
	}
	if err, ok := f.failures[q.Name]; ok {
		return gateway.Result{}, err
	}
	if body, ok := f.raw[q.Name]; ok {
		return gateway.Result{Body: []byte(body)}, nil
	}
	switch q.Name {
	case gateway.QueryActiveAssessments:
		return gateway.JSONResult(f.active)
	case gateway.QuerySnapshotAggregate:
		row, ok := f.aggregates[job]
		if !ok {
			return gateway.JSONResult([]map[string]any{})
		}
		return gateway.JSONResult([]map[string]any{row})
	case gateway.QueryOwnershipHistory:
		return gateway.JSONResult(f.history)
	case gateway.QueryUnitInventory:
		rows := f.inventory[job]
		if rows == nil {
			rows = []map[string]any{}
		}
		return gateway.JSONResult(rows)
	}
	return gateway.Result{}, errors.New("unknown query " + q.Name)
}

func (f *fakeGateway) setActive(rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = rows
}

func (f *fakeGateway) setUnits(job string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, map[string]any{
			gateway.ColUnitGUID:         id,
			gateway.ColUnitType:         "SPM",
			gateway.ColStationName:      "ST-" + id,
			gateway.ColPermissionStatus: "Approved",
			gateway.ColForester:         "forester-1",
		})
	}
	f.inventory[job] = rows
}

func (f *fakeGateway) setTotal(job string, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregates[job] = map[string]any{"total_units": total, "work_units": total}
}

func assessment(job, status, assignee string) map[string]any {
	return map[string]any{
		gateway.ColJobGUID:     job,
		gateway.ColLineName:    "Line " + job,
		gateway.ColRegion:      "NORTH",
		gateway.ColScopeYear:   "2024",
		gateway.ColCycleType:   "Cycle Maintenance",
		gateway.ColStatus:      status,
		gateway.ColAssignedTo:  assignee,
		gateway.ColTotalLength: 1500.5,
	}
}

type testEnv struct {
	Engine  engine.Engine
	Gateway *fakeGateway
	Ctx     context.Context
}

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	gw := newFakeGateway()
	eng := engine.New(conn, config.Default(), gw, nil)
	eng.Now = func() time.Time { return day(0) }
	return testEnv{Engine: eng, Gateway: gw, Ctx: context.Background()}
}

// at moves the engine clock and returns a run context for that day.
func (env *testEnv) at(n int) engine.RunContext {
	env.Engine.Now = func() time.Time { return day(n) }
	return engine.RunContext{Actor: "tester", Today: day(n)}
}
