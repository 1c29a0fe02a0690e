package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ghostline/internal/engine"
	"ghostline/internal/report"
	"ghostline/internal/repo"
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Daily assessment snapshots",
		Long:  "Snapshot every active assessment once a day and report assessments that left the active feed.",
	}
	cmd.AddCommand(monitorRunCmd())
	cmd.AddCommand(monitorListCmd())
	cmd.AddCommand(monitorShowCmd())
	return cmd
}

func monitorRunCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := runContext(e, date)
				if err != nil {
					return err
				}
				stats, err := e.RunDailySnapshot(ctx, rc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"date": rc.Date(), "stats": stats})
				}
				fmt.Printf("Snapshot %s: %d assessments (%d new), %d closed\n", rc.Date(), stats.Snapshots, stats.New, stats.Closed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "snapshot date YYYY-MM-DD (default today)")
	return cmd
}

func monitorListCmd() *cobra.Command {
	var region, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMonitors(ctx, repo.MonitorFilters{Region: region, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, m := range items {
					total := 0
					if m.Latest != nil {
						total = m.Latest.Units.Total
					}
					rows = append(rows, table.Row{m.JobGUID, m.LineName, m.Region, m.CurrentStatus, m.CurrentAssignee, total, m.LastSnapshotDate})
				}
				return printTable(items, table.Row{"Job", "Line", "Region", "Status", "Assignee", "Units", "Last Snapshot"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "filter by region")
	cmd.Flags().StringVar(&status, "status", "", "filter by current status")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func monitorShowCmd() *cobra.Command {
	var xlsx string
	cmd := &cobra.Command{
		Use:   "show <job-guid>",
		Short: "Show a monitor and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMonitorWithHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if xlsx != "" {
					f, err := report.MonitorHistoryWorkbook(m)
					if err != nil {
						return err
					}
					if err := f.SaveAs(xlsx); err != nil {
						f.Close()
						return err
					}
					f.Close()
					fmt.Fprintf(os.Stderr, "wrote %s\n", xlsx)
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				fmt.Printf("%s  %s (%s)  status=%s assignee=%s\n", m.JobGUID, m.LineName, m.Region, m.CurrentStatus, m.CurrentAssignee)
				rows := make([]table.Row, 0, len(m.History))
				for _, date := range m.HistoryDates() {
					s := m.History[date]
					flag := ""
					if s.Suspicious {
						flag = "suspicious"
					}
					rows = append(rows, table.Row{date, s.Units.Total, s.Units.Work, s.Footage.PercentComplete, s.Notes.Percent, stringOrDash(s.Planner.LastEditDate), s.Aging.PendingOverThreshold, flag})
				}
				return printTable(m, table.Row{"Date", "Units", "Work", "% Complete", "Notes %", "Last Edit", "Aging", ""}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&xlsx, "xlsx", "", "also write the history to this workbook path")
	return cmd
}
