package engine_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ghostline/internal/domain"
	"ghostline/internal/engine"
	"ghostline/internal/events"
	"ghostline/internal/gateway"
	"ghostline/internal/gateway/mocks"
	"ghostline/internal/repo"
)

func TestRunDailySnapshotCreatesMonitors(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(
		assessment("A", "ACTIVE", "planner1"),
		assessment("B", "qc", "planner2"),
		assessment("C", "CLOSED", "planner3"),
		assessment("", "ACTIVE", "nobody"),
	)
	env.Gateway.setTotal("A", 10)
	env.Gateway.setTotal("B", 4)

	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	require.Equal(t, engine.SnapshotStats{Snapshots: 2, New: 2, Closed: 0}, stats)
	require.Equal(t, 2, env.Gateway.calls[gateway.QuerySnapshotAggregate])

	m, err := env.Engine.Repo.GetMonitorWithHistory(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "Line A", m.LineName)
	require.Equal(t, "NORTH", m.Region)
	require.Equal(t, "ACTIVE", m.CurrentStatus)
	require.Equal(t, "planner1", m.CurrentAssignee)
	require.Equal(t, "2024-01-01", m.FirstSnapshotDate)
	require.Equal(t, "2024-01-01", m.LastSnapshotDate)
	require.Len(t, m.History, 1)
	require.NotNil(t, m.Latest)
	require.Equal(t, m.History[m.LastSnapshotDate], *m.Latest)
	require.Equal(t, 10, m.Latest.Units.Total)

	_, err = env.Engine.Repo.GetMonitor(env.Ctx, nil, "C")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunDailySnapshotRefreshesOnlyStatusAndAssignee(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "planner1"))
	env.Gateway.setTotal("A", 10)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	changed := assessment("A", "REWORK", "planner9")
	changed["line_name"] = "Renamed"
	changed["region"] = "SOUTH"
	env.Gateway.setActive(changed)
	env.Gateway.setTotal("A", 12)
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(1))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Snapshots)
	require.Equal(t, 0, stats.New)

	m, err := env.Engine.Repo.GetMonitorWithHistory(env.Ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "Line A", m.LineName)
	require.Equal(t, "NORTH", m.Region)
	require.Equal(t, "REWORK", m.CurrentStatus)
	require.Equal(t, "planner9", m.CurrentAssignee)
	require.Equal(t, []string{"2024-01-01", "2024-01-02"}, m.HistoryDates())
	require.Equal(t, "2024-01-02", m.LastSnapshotDate)
	require.Equal(t, 12, m.Latest.Units.Total)
}

func TestRunDailySnapshotRerunOverwritesSameDay(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"))
	env.Gateway.setTotal("A", 10)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	env.Gateway.setTotal("A", 11)
	_, err = env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	m, err := env.Engine.Repo.GetMonitorWithHistory(env.Ctx, "A")
	require.NoError(t, err)
	require.Len(t, m.History, 1)
	require.Equal(t, 11, m.Latest.Units.Total)
}

func TestZeroCountDropMarksSnapshotSuspicious(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"), assessment("Z", "ACTIVE", "p"))
	env.Gateway.setTotal("A", 42)
	env.Gateway.setTotal("Z", 0)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	env.Gateway.setTotal("A", 0)
	_, err = env.Engine.RunDailySnapshot(env.Ctx, env.at(1))
	require.NoError(t, err)

	a, err := env.Engine.Repo.GetMonitor(env.Ctx, nil, "A")
	require.NoError(t, err)
	require.True(t, a.Latest.Suspicious)
	z, err := env.Engine.Repo.GetMonitor(env.Ctx, nil, "Z")
	require.NoError(t, err)
	require.False(t, z.Latest.Suspicious)

	// a same-day rerun still compares against the previous day
	_, err = env.Engine.RunDailySnapshot(env.Ctx, env.at(1))
	require.NoError(t, err)
	a, err = env.Engine.Repo.GetMonitor(env.Ctx, nil, "A")
	require.NoError(t, err)
	require.True(t, a.Latest.Suspicious)
}

func TestZeroCountDrop(t *testing.T) {
	prev := &domain.Snapshot{Units: domain.UnitCounts{Total: 42}}
	require.True(t, engine.ZeroCountDrop(prev, domain.Snapshot{}))
	require.False(t, engine.ZeroCountDrop(&domain.Snapshot{}, domain.Snapshot{}))
	require.False(t, engine.ZeroCountDrop(nil, domain.Snapshot{}))
	require.False(t, engine.ZeroCountDrop(prev, domain.Snapshot{Units: domain.UnitCounts{Total: 1}}))
}

func TestZeroCountCheckCanBeDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Monitoring.ZeroCountCheck = false
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"))
	env.Gateway.setTotal("A", 42)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	env.Gateway.setTotal("A", 0)
	_, err = env.Engine.RunDailySnapshot(env.Ctx, env.at(1))
	require.NoError(t, err)
	a, err := env.Engine.Repo.GetMonitor(env.Ctx, nil, "A")
	require.NoError(t, err)
	require.False(t, a.Latest.Suspicious)
}

func TestClosureDetectionReportsSetDifference(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"), assessment("B", "ACTIVE", "p"), assessment("C", "QC", "p"))
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	before, err := env.Engine.Repo.GetMonitorWithHistory(env.Ctx, "B")
	require.NoError(t, err)

	sink := &mocks.Sink{}
	sink.On("AssessmentClosed", mock.Anything, mock.MatchedBy(func(c events.Closure) bool {
		return c.JobGUID == "B" && c.Monitor.JobGUID == "B" && c.ActorID == "tester"
	})).Return(nil).Once()
	env.Engine.Sink = sink

	env.Gateway.setActive(assessment("A", "ACTIVE", "p"), assessment("C", "QC", "p"))
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(1))
	require.NoError(t, err)
	require.Equal(t, engine.SnapshotStats{Snapshots: 2, New: 0, Closed: 1}, stats)
	sink.AssertExpectations(t)

	after, err := env.Engine.Repo.GetMonitorWithHistory(env.Ctx, "B")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestClosureEventStoredOncePerClosure(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"), assessment("B", "ACTIVE", "p"))
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	env.Gateway.setActive(assessment("A", "ACTIVE", "p"))
	for d := 1; d <= 3; d++ {
		stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(d))
		require.NoError(t, err)
		require.Equal(t, 1, stats.Closed)
	}
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.TypeAssessmentClosed, "", "B")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Contains(t, evts[0].Payload, `"last_snapshot_date":"2024-01-01"`)
}

func TestRunDailySnapshotFeedFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.failures[gateway.QueryActiveAssessments] = gateway.ErrTransport
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.ErrorIs(t, err, gateway.ErrTransport)
	monitors, err := env.Engine.Repo.ListMonitors(env.Ctx, repo.MonitorFilters{})
	require.NoError(t, err)
	require.Empty(t, monitors)
}

func TestRunDailySnapshotNonListFeedIsEmptyRun(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.raw[gateway.QueryActiveAssessments] = `{"message":"maintenance"}`
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	require.Equal(t, engine.SnapshotStats{}, stats)
}

func TestRunDailySnapshotSkipsFailingAssessment(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Monitoring.Concurrency = 4
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"), assessment("B", "ACTIVE", "p"), assessment("C", "ACTIVE", "p"))
	env.Gateway.failures[gateway.QuerySnapshotAggregate+"/B"] = errors.New("timeout")
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	require.Equal(t, 2, stats.Snapshots)
	require.Equal(t, 2, stats.New)
	_, err = env.Engine.Repo.GetMonitor(env.Ctx, nil, "B")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunDailySnapshotStoresZeroSnapshotForUnreadableAggregate(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.setActive(assessment("A", "ACTIVE", "p"))
	env.Gateway.raw[gateway.QuerySnapshotAggregate] = `"oops"`
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Snapshots)
	m, err := env.Engine.Repo.GetMonitor(env.Ctx, nil, "A")
	require.NoError(t, err)
	require.Equal(t, 0, m.Latest.Units.Total)
	require.Equal(t, 14, m.Latest.Aging.ThresholdDays)
}

func TestRunDailySnapshotRespectsRegionScope(t *testing.T) {
	env := newTestEnv(t)
	south := assessment("S", "ACTIVE", "p")
	south["region"] = "SOUTH"
	env.Gateway.setActive(assessment("N", "ACTIVE", "p"), south)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	rc := env.at(1)
	rc.Regions = []string{"north"}
	env.Gateway.setActive(assessment("N", "ACTIVE", "p"))
	stats, err := env.Engine.RunDailySnapshot(env.Ctx, rc)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Snapshots)
	require.Equal(t, 0, stats.Closed)
}
