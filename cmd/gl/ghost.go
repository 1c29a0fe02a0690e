package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ghostline/internal/domain"
	"ghostline/internal/engine"
	"ghostline/internal/report"
	"ghostline/internal/repo"
)

func ghostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ghost",
		Short: "Ghost unit detection",
		Long:  "Track takeovers by domain users, freeze a baseline and record every baseline unit that disappears.",
	}
	cmd.AddCommand(ghostCheckCmd())
	cmd.AddCommand(ghostCompareCmd())
	cmd.AddCommand(ghostResolveCmd())
	cmd.AddCommand(ghostCleanupCmd())
	cmd.AddCommand(ghostCycleCmd())
	cmd.AddCommand(ghostPeriodsCmd())
	return cmd
}

func ghostCheckCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Open ownership periods for new takeovers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := runContext(e, "")
				if err != nil {
					return err
				}
				watermark, err := parseSince(since)
				if err != nil {
					return err
				}
				if watermark == nil {
					w, err := e.DefaultWatermark(ctx, rc)
					if err != nil {
						return err
					}
					watermark = &w
				}
				n, err := e.CheckForOwnershipChanges(ctx, rc, *watermark)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"since": watermark.Format(domain.DateLayout), "new_periods": n})
				}
				fmt.Printf("Checked takeovers since %s: %d new periods\n", watermark.Format(domain.DateLayout), n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "history watermark YYYY-MM-DD (default: last period or lookback window)")
	return cmd
}

func loadPeriod(ctx context.Context, e engine.Engine, id string) (domain.GhostOwnershipPeriod, error) {
	p, err := e.Repo.GetPeriod(ctx, nil, id)
	if err != nil {
		return p, fmt.Errorf("period %s: %w", id, err)
	}
	return p, nil
}

func ghostCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <period-id>",
		Short: "Compare a period's baseline with the current inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := loadPeriod(ctx, e, args[0])
				if err != nil {
					return err
				}
				if p.Status != domain.PeriodActive {
					return fmt.Errorf("period %s is %s", p.ID, p.Status)
				}
				rc, err := runContext(e, "")
				if err != nil {
					return err
				}
				n, err := e.RunComparison(ctx, rc, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"period_id": p.ID, "new_evidence": n})
			})
		},
	}
	return cmd
}

func ghostResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <period-id>",
		Short: "Record final evidence and close a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := loadPeriod(ctx, e, args[0])
				if err != nil {
					return err
				}
				rc, err := runContext(e, "")
				if err != nil {
					return err
				}
				n, err := e.ResolveOwnershipReturn(ctx, rc, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"period_id": p.ID, "return_date": rc.Date(), "new_evidence": n})
			})
		},
	}
	return cmd
}

func ghostCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <job-guid>",
		Short: "Drop the ownership periods of a closed assessment (evidence is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := runContext(e, "")
				if err != nil {
					return err
				}
				n, err := e.CleanupOnClose(ctx, rc, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"job_guid": args[0], "deleted_periods": n})
			})
		},
	}
	return cmd
}

func ghostCycleCmd() *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Check takeovers, then compare, resolve or clean every active period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc, err := runContext(e, "")
				if err != nil {
					return err
				}
				watermark, err := parseSince(since)
				if err != nil {
					return err
				}
				stats, err := e.RunGhostCycle(ctx, rc, watermark)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"date": rc.Date(), "stats": stats})
				}
				fmt.Printf("Ghost cycle %s: %d new periods, %d compared, %d resolved, %d cleaned, %d new ghost units\n",
					rc.Date(), stats.NewPeriods, stats.Compared, stats.Resolved, stats.Cleaned, stats.NewEvidence)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "history watermark YYYY-MM-DD")
	return cmd
}

func ghostPeriodsCmd() *cobra.Command {
	var job, status, region string
	cmd := &cobra.Command{
		Use:   "periods",
		Short: "List ownership periods",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPeriods(ctx, repo.PeriodFilters{JobGUID: job, Status: status, Region: region})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, p := range items {
					rows = append(rows, table.Row{p.ID, p.JobGUID, p.TakeoverUsername, p.TakeoverDate, stringOrDash(p.ReturnDate), p.BaselineUnitCount, p.IsParentTakeover, p.Status})
				}
				return printTable(items, table.Row{"ID", "Job", "Taken By", "Takeover", "Return", "Baseline", "Parent", "Status"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "filter by job guid")
	cmd.Flags().StringVar(&status, "status", "", "active or resolved")
	cmd.Flags().StringVar(&region, "region", "", "filter by region")
	return cmd
}

func evidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Ghost unit evidence ledger",
	}
	cmd.AddCommand(evidenceListCmd())
	cmd.AddCommand(evidenceExportCmd())
	return cmd
}

func evidenceFlags(cmd *cobra.Command, f *repo.EvidenceFilters) {
	cmd.Flags().StringVar(&f.JobGUID, "job", "", "filter by job guid")
	cmd.Flags().StringVar(&f.PeriodID, "period", "", "filter by period id")
	cmd.Flags().StringVar(&f.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&f.Since, "since", "", "earliest detection date YYYY-MM-DD")
}

func evidenceListCmd() *cobra.Command {
	var f repo.EvidenceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List evidence rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, f)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, ev := range items {
					rows = append(rows, table.Row{ev.DetectedDate, ev.JobGUID, ev.UnitGUID, ev.UnitType, ev.StationName, ev.TakeoverUsername, stringOrDash(ev.PeriodID)})
				}
				return printTable(items, table.Row{"Detected", "Job", "Unit", "Type", "Station", "Taken By", "Period"}, rows)
			})
		},
	}
	evidenceFlags(cmd, &f)
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func evidenceExportCmd() *cobra.Command {
	var f repo.EvidenceFilters
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write evidence rows to an xlsx workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvidence(ctx, f)
				if err != nil {
					return err
				}
				book, err := report.EvidenceWorkbook(items)
				if err != nil {
					return err
				}
				file, err := os.Create(out)
				if err != nil {
					book.Close()
					return err
				}
				defer file.Close()
				if err := report.Write(book, file); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": out, "rows": len(items)})
				}
				fmt.Printf("wrote %d evidence rows to %s\n", len(items), out)
				return nil
			})
		},
	}
	evidenceFlags(cmd, &f)
	cmd.Flags().StringVarP(&out, "out", "o", "ghost-evidence.xlsx", "output path")
	return cmd
}
