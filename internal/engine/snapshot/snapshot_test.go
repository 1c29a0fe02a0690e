package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ghostline/internal/gateway"
	"ghostline/internal/gateway/mocks"
)

var today = time.Date(2024, 1, 20, 9, 30, 0, 0, time.UTC)

func TestFromRowFullAggregate(t *testing.T) {
	row := gateway.Row{
		ColPermissionCounts:  `{"Approved":10,"Pending":3}`,
		ColWorkUnits:         "13",
		ColNonWorkUnits:      2,
		ColTotalUnits:        15,
		ColWorkTypes:         map[string]any{"TRIM": 120.5, "MOW": 3},
		ColCompletedLength:   1200.25,
		ColPercentComplete:   48.5,
		ColUnitsWithNotes:    3,
		ColUnitsWithoutNotes: 1,
		ColLastEditDate:      "/Date(2024-01-15T08:00:00)/",
		ColPendingOverAge:    4,
	}
	snap := FromRow(row, 14, today)
	require.Equal(t, map[string]int{"Approved": 10, "Pending": 3}, snap.PermissionCounts)
	require.Equal(t, 13, snap.Units.Work)
	require.Equal(t, 2, snap.Units.NonWork)
	require.Equal(t, 15, snap.Units.Total)
	require.Equal(t, 120.5, snap.WorkTypes["TRIM"])
	require.Equal(t, 3.0, snap.WorkTypes["MOW"])
	require.Equal(t, 1200.25, snap.Footage.CompletedLength)
	require.Equal(t, 75.0, snap.Notes.Percent)
	require.NotNil(t, snap.Planner.LastEditDate)
	require.Equal(t, "2024-01-15", *snap.Planner.LastEditDate)
	require.Equal(t, 5, *snap.Planner.DaysSinceLastEdit)
	require.Equal(t, 4, snap.Aging.PendingOverThreshold)
	require.Equal(t, 14, snap.Aging.ThresholdDays)
	require.False(t, snap.Suspicious)
}

func TestFromRowDefaultsToZero(t *testing.T) {
	snap := FromRow(gateway.Row{ColWorkUnits: 4, ColNonWorkUnits: 1}, 30, today)
	require.Equal(t, 5, snap.Units.Total)
	require.Empty(t, snap.PermissionCounts)
	require.Empty(t, snap.WorkTypes)
	require.Zero(t, snap.Notes.Percent)
	require.Nil(t, snap.Planner.LastEditDate)
	require.Nil(t, snap.Planner.DaysSinceLastEdit)
	require.Equal(t, 30, snap.Aging.ThresholdDays)
}

func TestFromRowUnparsableDateYieldsNil(t *testing.T) {
	snap := FromRow(gateway.Row{ColLastEditDate: "/Date(garbage)/"}, 14, today)
	require.Nil(t, snap.Planner.LastEditDate)
	require.Nil(t, snap.Planner.DaysSinceLastEdit)
}

func TestFromRowIgnoresMalformedEmbeddedJSON(t *testing.T) {
	snap := FromRow(gateway.Row{ColPermissionCounts: "{oops", ColTotalUnits: 7}, 14, today)
	require.Empty(t, snap.PermissionCounts)
	require.Equal(t, 7, snap.Units.Total)
}

func TestParseDateFormats(t *testing.T) {
	cases := map[string]string{
		"/Date(1705276800000)/":       "2024-01-15",
		"/Date(1705276800000-0500)/":  "2024-01-15",
		"/Date(2024-01-15T00:00:00)/": "2024-01-15",
		"2024-01-15":                  "2024-01-15",
		"2024-01-15T10:00:00Z":        "2024-01-15",
		"01/15/2024":                  "2024-01-15",
	}
	for in, want := range cases {
		got := ParseDate(in)
		require.NotNil(t, got, in)
		require.Equal(t, want, got.Format("2006-01-02"), in)
	}
	require.Nil(t, ParseDate(""))
	require.Nil(t, ParseDate("1705276800000"))
	require.Nil(t, ParseDate("yesterday"))
}

func TestBuildIssuesExactlyOneQuery(t *testing.T) {
	gw := &mocks.Gateway{}
	body, err := gateway.JSONResult([]map[string]any{{ColTotalUnits: 9}})
	require.NoError(t, err)
	gw.On("Execute", mock.Anything, gateway.SnapshotAggregate("JOB-1", 14, 9.29)).Return(body, nil).Once()

	agg := Aggregator{Gateway: gw, AgingDays: 14, AreaThresholdSqm: 9.29}
	snap, err := agg.Build(context.Background(), "JOB-1", today)
	require.NoError(t, err)
	require.Equal(t, 9, snap.Units.Total)
	gw.AssertNumberOfCalls(t, "Execute", 1)
}

func TestBuildErrors(t *testing.T) {
	gw := &mocks.Gateway{}
	gw.On("Execute", mock.Anything, mock.Anything).Return(gateway.Result{}, gateway.ErrTransport).Once()
	agg := Aggregator{Gateway: gw, AgingDays: 14}
	_, err := agg.Build(context.Background(), "JOB-1", today)
	require.ErrorIs(t, err, gateway.ErrTransport)

	gw.On("Execute", mock.Anything, mock.Anything).Return(gateway.Result{Body: []byte(`{"error":"x"}`)}, nil).Once()
	snap, err := agg.Build(context.Background(), "JOB-1", today)
	require.True(t, errors.Is(err, ErrNoData))
	require.Zero(t, snap.Units.Total)
	require.Equal(t, 14, snap.Aging.ThresholdDays)
}
