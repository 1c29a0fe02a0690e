package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ghostline/internal/app"
	"ghostline/internal/domain"
	"ghostline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Ghostline CLI",
	Long: `Ghostline watches vegetation-management assessments and flags ghost units.
Core concepts:
- Monitor: one row per assessment with a dated history of daily snapshots.
- Snapshot: unit counts, footage, notes compliance, planner activity and aging for one day.
- Ownership period: the window between a takeover by a domain user and the job returning.
- Baseline: the unit inventory frozen when the takeover is detected.
- Ghost unit: a baseline unit that disappeared while the job was taken over. Evidence rows are permanent.
- Event log: every closure, period change and detection, view with 'gl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GHOSTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (defaults to <workspace>/ghostline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", engine.DefaultActor, "actor recorded on events")
	flags.String("gateway-url", "", "gateway base URL (overrides config)")
	flags.String("gateway-secret", "", "gateway JWT signing secret (overrides config)")
	flags.StringSlice("regions", nil, "regions in scope (overrides config)")
	flags.String("log-mode", "", "log mode: dev or prod (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "gateway-url", "gateway-secret", "regions", "log-mode"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(ghostCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scheduleCmd())
}

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:     viper.GetString("workspace"),
		ConfigPath:    viper.GetString("config"),
		GatewayURL:    viper.GetString("gateway-url"),
		GatewaySecret: viper.GetString("gateway-secret"),
		Regions:       viper.GetStringSlice("regions"),
		LogMode:       viper.GetString("log-mode"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// runContext builds the run identity, pinned to --date when given.
func runContext(e engine.Engine, date string) (engine.RunContext, error) {
	now := time.Now()
	if date != "" {
		d, err := time.Parse(domain.DateLayout, date)
		if err != nil {
			return engine.RunContext{}, fmt.Errorf("invalid --date %q: want YYYY-MM-DD", date)
		}
		now = d
	}
	return engine.NewRunContext(e.Config, viper.GetString("actor-id"), now), nil
}

func parseSince(since string) (*time.Time, error) {
	if since == "" {
		return nil, nil
	}
	t, err := time.Parse(domain.DateLayout, since)
	if err != nil {
		return nil, fmt.Errorf("invalid --since %q: want YYYY-MM-DD", since)
	}
	return &t, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case v is printed instead.
func printTable(v any, header table.Row, rows []table.Row) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	for _, r := range rows {
		tw.AppendRow(r)
	}
	tw.Render()
	return nil
}

func stringOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
