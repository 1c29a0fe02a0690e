package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ghostline/internal/domain"
	"ghostline/internal/engine"
	"ghostline/internal/events"
	"ghostline/internal/gateway"
	"ghostline/internal/repo"
)

func units(ids ...string) []domain.UnitRecord {
	out := make([]domain.UnitRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.UnitRecord{UnitGUID: id, UnitType: "SPM", PermissionStatus: "Approved"})
	}
	return out
}

func set(ids ...string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func guids(records []domain.UnitRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.UnitGUID)
	}
	return out
}

func TestMissingUnitsIsSetDifference(t *testing.T) {
	baseline := units("U1", "U2", "U3", "U4", "U5", "U2")
	got := engine.MissingUnits(baseline, set("U1", "U9"), set("U3"))
	require.Equal(t, []string{"U2", "U4", "U5"}, guids(got))
	require.Empty(t, engine.MissingUnits(baseline, set("U1", "U2", "U3", "U4", "U5"), nil))
	require.Empty(t, engine.MissingUnits(nil, nil, nil))
}

func openPeriod(t *testing.T, env *testEnv, job, user string, ids ...string) domain.GhostOwnershipPeriod {
	t.Helper()
	env.Gateway.setUnits(job, ids...)
	p, err := env.Engine.CreateBaseline(env.Ctx, env.at(0), job, user, false, engine.BaselineMeta{LineName: "Line " + job, Region: "NORTH"})
	require.NoError(t, err)
	require.Equal(t, len(ids), p.BaselineUnitCount)
	require.Equal(t, domain.PeriodActive, p.Status)
	return p
}

func TestCreateBaselineCapturesInventory(t *testing.T) {
	env := newTestEnv(t)
	p := openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1", "U2")
	stored, err := env.Engine.Repo.GetPeriod(env.Ctx, nil, p.ID)
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", stored.TakeoverDate)
	require.Equal(t, []string{"U1", "U2"}, guids(stored.BaselineSnapshot))
	require.Equal(t, "ST-U1", stored.BaselineSnapshot[0].StationName)
	require.Nil(t, stored.ReturnDate)

	_, err = env.Engine.CreateBaseline(env.Ctx, env.at(0), "J1", `ONEPPL\crew1`, false, engine.BaselineMeta{})
	require.ErrorIs(t, err, repo.ErrActivePeriodExists)

	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 10, 0, events.TypePeriodOpened, "", p.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestComparisonScenarioAcrossDays(t *testing.T) {
	env := newTestEnv(t)
	p := openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1", "U2", "U3")

	env.Gateway.setUnits("J1", "U1", "U3")
	n, err := env.Engine.RunComparison(env.Ctx, env.at(1), p)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// idempotent without inventory change
	n, err = env.Engine.RunComparison(env.Ctx, env.at(1), p)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	env.Gateway.setUnits("J1", "U1")
	n, err = env.Engine.RunComparison(env.Ctx, env.at(2), p)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	evidence, err := env.Engine.Repo.ListEvidence(env.Ctx, repo.EvidenceFilters{PeriodID: p.ID})
	require.NoError(t, err)
	require.Len(t, evidence, 2)
	byUnit := map[string]domain.GhostUnitEvidence{}
	for _, e := range evidence {
		byUnit[e.UnitGUID] = e
	}
	require.Equal(t, "2024-01-02", byUnit["U2"].DetectedDate)
	require.Equal(t, "2024-01-03", byUnit["U3"].DetectedDate)
	require.Equal(t, "ST-U2", byUnit["U2"].StationName)
	require.Equal(t, `ONEPPL\crew1`, byUnit["U3"].TakeoverUsername)
	require.Equal(t, "2024-01-01", byUnit["U3"].TakeoverDate)
	require.NotNil(t, byUnit["U3"].PeriodID)
}

func TestComparisonSkipsUnreadableInventory(t *testing.T) {
	env := newTestEnv(t)
	p := openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1", "U2")
	env.Gateway.raw[gateway.QueryUnitInventory] = `{"error":"busy"}`
	_, err := env.Engine.RunComparison(env.Ctx, env.at(1), p)
	require.ErrorIs(t, err, gateway.ErrNotList)
	evidence, err := env.Engine.Repo.ListEvidence(env.Ctx, repo.EvidenceFilters{PeriodID: p.ID})
	require.NoError(t, err)
	require.Empty(t, evidence)
}

func TestResolveOwnershipReturnRecordsFinalEvidence(t *testing.T) {
	env := newTestEnv(t)
	p := openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1", "U2", "U3", "U4")
	env.Gateway.setUnits("J1", "U1")

	n, err := env.Engine.ResolveOwnershipReturn(env.Ctx, env.at(5), p)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	stored, err := env.Engine.Repo.GetPeriod(env.Ctx, nil, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodResolved, stored.Status)
	require.NotNil(t, stored.ReturnDate)
	require.Equal(t, "2024-01-06", *stored.ReturnDate)

	evidence, err := env.Engine.Repo.ListEvidence(env.Ctx, repo.EvidenceFilters{PeriodID: p.ID})
	require.NoError(t, err)
	require.Len(t, evidence, 3)

	_, err = env.Engine.ResolveOwnershipReturn(env.Ctx, env.at(6), stored)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCleanupOnClosePreservesEvidence(t *testing.T) {
	env := newTestEnv(t)
	p := openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1", "U2", "U3")
	env.Gateway.setUnits("J1", "U1")
	n, err := env.Engine.RunComparison(env.Ctx, env.at(1), p)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	removed, err := env.Engine.CleanupOnClose(env.Ctx, env.at(2), "J1")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = env.Engine.Repo.GetPeriod(env.Ctx, nil, p.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	evidence, err := env.Engine.Repo.ListEvidence(env.Ctx, repo.EvidenceFilters{JobGUID: "J1"})
	require.NoError(t, err)
	require.Len(t, evidence, 2)
	for _, e := range evidence {
		require.Nil(t, e.PeriodID)
	}

	removed, err = env.Engine.CleanupOnClose(env.Ctx, env.at(2), "J1")
	require.NoError(t, err)
	require.Zero(t, removed)
}

func historyRow(job, user, ext, logDate string) map[string]any {
	return map[string]any{
		gateway.ColJobGUID:   job,
		gateway.ColUsername:  user,
		gateway.ColExtension: ext,
		gateway.ColLogDate:   logDate,
		gateway.ColLineName:  "Line " + job,
		gateway.ColRegion:    "NORTH",
	}
}

func TestCheckForOwnershipChangesCreatesAtMostOneActivePeriod(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.history = []map[string]any{
		historyRow("J1", `ONEPPL\crew1`, "@", "/Date(2024-01-01T09:00:00)/"),
		historyRow("J1", `ONEPPL\crew1`, "@", "/Date(2024-01-01T10:00:00)/"),
		historyRow("J2", `ONEPPL\crew2`, "A", "2024-01-01"),
		historyRow("J3", `ACME\planner`, "@", "2024-01-01"),
		historyRow("", `ONEPPL\crew3`, "@", "2024-01-01"),
		historyRow("J4", "", "@", "2024-01-01"),
	}
	env.Gateway.setUnits("J1", "U1", "U2")
	env.Gateway.setUnits("J2", "V1")
	since := day(-7)

	n, err := env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(0), since)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(0), since)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	periods, err := env.Engine.Repo.ListPeriods(env.Ctx, repo.PeriodFilters{Status: domain.PeriodActive})
	require.NoError(t, err)
	require.Len(t, periods, 2)
	byJob := map[string]domain.GhostOwnershipPeriod{}
	for _, p := range periods {
		byJob[p.JobGUID] = p
	}
	require.True(t, byJob["J1"].IsParentTakeover)
	require.False(t, byJob["J2"].IsParentTakeover)
	require.Equal(t, 2, byJob["J1"].BaselineUnitCount)
	require.Equal(t, "2024-01-01", byJob["J1"].TakeoverDate)
}

func TestCheckForOwnershipChangesIgnoresResolvedTakeover(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.history = []map[string]any{historyRow("J1", `ONEPPL\crew1`, "@", "2024-01-01")}
	env.Gateway.setUnits("J1", "U1")
	n, err := env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(0), day(-7))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	periods, err := env.Engine.Repo.ListPeriods(env.Ctx, repo.PeriodFilters{JobGUID: "J1"})
	require.NoError(t, err)
	_, err = env.Engine.ResolveOwnershipReturn(env.Ctx, env.at(1), periods[0])
	require.NoError(t, err)

	n, err = env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(1), day(0))
	require.NoError(t, err)
	require.Equal(t, 0, n)

	env.Gateway.history = []map[string]any{historyRow("J1", `ONEPPL\crew1`, "@", "2024-01-05")}
	n, err = env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(4), day(0))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCheckForOwnershipChangesFailureAndMalformed(t *testing.T) {
	env := newTestEnv(t)
	env.Gateway.failures[gateway.QueryOwnershipHistory] = gateway.ErrTransport
	_, err := env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(0), day(-7))
	require.ErrorIs(t, err, gateway.ErrTransport)

	delete(env.Gateway.failures, gateway.QueryOwnershipHistory)
	env.Gateway.raw[gateway.QueryOwnershipHistory] = `{}`
	n, err := env.Engine.CheckForOwnershipChanges(env.Ctx, env.at(0), day(-7))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDefaultWatermark(t *testing.T) {
	env := newTestEnv(t)
	rc := env.at(10)
	w, err := env.Engine.DefaultWatermark(env.Ctx, rc)
	require.NoError(t, err)
	require.Equal(t, day(3), w)

	openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1")
	w, err = env.Engine.DefaultWatermark(env.Ctx, rc)
	require.NoError(t, err)
	require.True(t, w.Equal(day(0)), w.String())
}

func TestRunGhostCycleRoutesActivePeriods(t *testing.T) {
	env := newTestEnv(t)
	crew := `ONEPPL\crew1`
	compared := openPeriod(t, &env, "KEEP", crew, "U1", "U2")
	resolved := openPeriod(t, &env, "BACK", crew, "V1", "V2")
	gone := openPeriod(t, &env, "GONE", crew, "W1")

	env.Gateway.setActive(assessment("KEEP", "ACTIVE", crew), assessment("BACK", "QC", "planner1"))
	env.Gateway.setUnits("KEEP", "U1")
	env.Gateway.setUnits("BACK", "V1", "V2")
	since := day(0)

	stats, err := env.Engine.RunGhostCycle(env.Ctx, env.at(1), &since)
	require.NoError(t, err)
	require.Equal(t, engine.GhostCycleStats{NewPeriods: 0, Compared: 1, Resolved: 1, Cleaned: 1, NewEvidence: 1}, stats)

	p, err := env.Engine.Repo.GetPeriod(env.Ctx, nil, compared.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodActive, p.Status)
	p, err = env.Engine.Repo.GetPeriod(env.Ctx, nil, resolved.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PeriodResolved, p.Status)
	_, err = env.Engine.Repo.GetPeriod(env.Ctx, nil, gone.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRunGhostCycleAbortsOnFeedFailure(t *testing.T) {
	env := newTestEnv(t)
	openPeriod(t, &env, "J1", `ONEPPL\crew1`, "U1")
	env.Gateway.failures[gateway.QueryActiveAssessments] = gateway.ErrTransport
	since := time.Time{}
	_, err := env.Engine.RunGhostCycle(env.Ctx, env.at(1), &since)
	require.ErrorIs(t, err, gateway.ErrTransport)
	periods, err := env.Engine.Repo.ListPeriods(env.Ctx, repo.PeriodFilters{JobGUID: "J1"})
	require.NoError(t, err)
	require.Len(t, periods, 1)
}

func TestHistoryRowsWithoutRegionStayTrackedUnderRegionScope(t *testing.T) {
	env := newTestEnv(t)
	crew := `ONEPPL\crew1`
	env.Gateway.setActive(assessment("J1", "ACTIVE", crew))
	env.Gateway.setTotal("J1", 2)
	_, err := env.Engine.RunDailySnapshot(env.Ctx, env.at(0))
	require.NoError(t, err)

	// J1 has a monitor row, J2 has none
	j1 := historyRow("J1", crew, "@", "2024-01-01")
	j2 := historyRow("J2", crew, "@", "2024-01-01")
	delete(j1, gateway.ColRegion)
	delete(j2, gateway.ColRegion)
	delete(j1, gateway.ColLineName)
	env.Gateway.history = []map[string]any{j1, j2}
	env.Gateway.setUnits("J1", "U1", "U2")
	env.Gateway.setUnits("J2", "V1")

	rc := env.at(0)
	rc.Regions = []string{"NORTH"}
	n, err := env.Engine.CheckForOwnershipChanges(env.Ctx, rc, day(-7))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	periods, err := env.Engine.Repo.ListPeriods(env.Ctx, repo.PeriodFilters{JobGUID: "J1"})
	require.NoError(t, err)
	require.Len(t, periods, 1)
	require.Equal(t, "NORTH", periods[0].Region)
	require.Equal(t, "Line J1", periods[0].LineName)

	env.Gateway.setActive(assessment("J1", "ACTIVE", crew), assessment("J2", "ACTIVE", crew))
	env.Gateway.setUnits("J1", "U1")
	env.Gateway.setUnits("J2")
	rc = env.at(1)
	rc.Regions = []string{"NORTH"}
	since := day(0)
	stats, err := env.Engine.RunGhostCycle(env.Ctx, rc, &since)
	require.NoError(t, err)
	require.Equal(t, engine.GhostCycleStats{Compared: 2, NewEvidence: 2}, stats)

	evidence, err := env.Engine.Repo.ListEvidence(env.Ctx, repo.EvidenceFilters{})
	require.NoError(t, err)
	got := map[string]string{}
	for _, ev := range evidence {
		got[ev.UnitGUID] = ev.JobGUID
	}
	require.Equal(t, map[string]string{"U2": "J1", "V1": "J2"}, got)
}

func TestRetakeoverInSameInstantOpensNewPeriod(t *testing.T) {
	env := newTestEnv(t)
	crew := `ONEPPL\crew1`
	first := openPeriod(t, &env, "J1", crew, "U1")
	_, err := env.Engine.ResolveOwnershipReturn(env.Ctx, env.at(0), first)
	require.NoError(t, err)

	second := openPeriod(t, &env, "J1", crew, "U1")
	require.NotEqual(t, first.ID, second.ID)

	periods, err := env.Engine.Repo.ListPeriods(env.Ctx, repo.PeriodFilters{JobGUID: "J1"})
	require.NoError(t, err)
	require.Len(t, periods, 2)
}
