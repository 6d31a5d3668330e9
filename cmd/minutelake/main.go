package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/minutelake/internal/archive"
	"github.com/sawpanic/minutelake/internal/config"
	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/pipeline"
	"github.com/sawpanic/minutelake/internal/rest"
	"github.com/sawpanic/minutelake/internal/state"
	"github.com/sawpanic/minutelake/internal/vision"
)

const (
	appName = "minutelake"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Minute-resolution UM futures market data lake",
		Version: version,
		Long: `minutelake ingests USD-margined futures market data into an
hour-partitioned parquet lake at one-minute resolution, tracked by a durable
sqlite ledger. Daily archive ZIPs serve history, REST serves the hot edge.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (defaults apply when empty)")

	rootCmd.AddCommand(
		newInitStateCmd(),
		newShowWatermarkCmd(),
		newRunOnceCmd(),
		newRunDaemonCmd(),
		newBackfillRangeCmd(),
		newBackfillYearsCmd(),
		newInspectMetricsColumnsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func buildOrchestrator(cfg config.Config, withLive bool) (*pipeline.Orchestrator, error) {
	store, err := state.NewStore(cfg.StateDB)
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	visionClient := vision.NewClient(cfg.VisionBaseURL, cfg.HTTPTimeout, nil, log.Logger)
	restClient := rest.NewClient(cfg.RESTBaseURL, cfg.RESTRetries, cfg.HTTPTimeout, nil, log.Logger)

	var live lake.LiveCollector
	if withLive {
		live = pipeline.NewPremiumIndexCollector(restClient, cfg.Symbol, cfg.HTTPTimeout, log.Logger)
	}
	return pipeline.NewOrchestrator(cfg, store, visionClient, restClient, live, log.Logger), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newInitStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-state",
		Short: "Create the state database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := state.NewStore(cfg.StateDB)
			if err != nil {
				return err
			}
			if err := store.Initialize(); err != nil {
				return err
			}
			log.Info().Str("db", cfg.StateDB).Msg("state database initialized")
			return nil
		},
	}
}

func newShowWatermarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-watermark",
		Short: "Print the symbol's last complete minute",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := state.NewStore(cfg.StateDB)
			if err != nil {
				return err
			}
			watermark, found, err := store.GetWatermark(cfg.Symbol)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("%s: no watermark\n", cfg.Symbol)
				return nil
			}
			fmt.Printf("%s: %s\n", cfg.Symbol, watermark.Format(time.RFC3339))

			if latest, ok, err := store.LatestPartition(cfg.Symbol); err != nil {
				return err
			} else if ok {
				fmt.Printf("latest partition: %s hour %02d (%d rows, %s)\n",
					latest.Day, latest.Hour, latest.RowCount, latest.Status)
			}
			return nil
		},
	}
}

func newRunOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Advance the lake from the watermark to the target horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			maxHours, _ := cmd.Flags().GetInt("max-hours")
			withLive, _ := cmd.Flags().GetBool("live")
			atRaw, _ := cmd.Flags().GetString("at")
			orch, err := buildOrchestrator(cfg, withLive)
			if err != nil {
				return err
			}
			if atRaw != "" {
				at, err := time.Parse(time.RFC3339, atRaw)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				pinned := at.UTC()
				orch.SetClock(func() time.Time { return pinned })
			}
			ctx, cancel := signalContext()
			defer cancel()

			summary, err := orch.RunOnce(ctx, maxHours)
			if err != nil {
				return err
			}
			log.Info().
				Str("symbol", summary.Symbol).
				Int("committed", summary.PartitionsCommitted).
				Int("failed", summary.HoursFailed).
				Time("watermark_before", summary.WatermarkBefore).
				Time("watermark_after", summary.WatermarkAfter).
				Time("target_horizon", summary.TargetHorizon).
				Msg("run-once complete")
			return nil
		},
	}
	cmd.Flags().Int("max-hours", 0, "Cap on hours processed per run (0 = no cap)")
	cmd.Flags().Bool("live", false, "Attach live premium-index snapshots to the current minute")
	cmd.Flags().String("at", "", "Run as of this RFC 3339 instant instead of now")
	return cmd
}

func newRunDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-daemon",
		Short: "Poll run-once on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			interval, _ := cmd.Flags().GetDuration("poll-interval")
			withLive, _ := cmd.Flags().GetBool("live")
			orch, err := buildOrchestrator(cfg, withLive)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return orch.RunDaemon(ctx, interval)
		},
	}
	cmd.Flags().Duration("poll-interval", time.Minute, "Delay between polls")
	cmd.Flags().Bool("live", false, "Attach live premium-index snapshots to the current minute")
	return cmd
}

func runBackfill(orch *pipeline.Orchestrator, start, end time.Time, sleep time.Duration, maxMissing int) error {
	ctx, cancel := signalContext()
	defer cancel()

	summary, err := orch.RunConsistencyBackfill(ctx, start, end, time.Now().UTC(), sleep, maxMissing)
	if err != nil {
		return err
	}
	log.Info().
		Int("hours_scanned", summary.HoursScanned).
		Int("issues_found", summary.IssuesFound).
		Int("issues_targeted", summary.IssuesTargeted).
		Int("hours_repaired", summary.HoursRepaired).
		Int("hours_failed", summary.HoursFailed).
		Int("issues_remaining", summary.IssuesRemaining).
		Msg("backfill complete")

	// With no repair cap, leftover issues make the run a failure. With a cap
	// set, partial progress is success.
	if maxMissing < 0 && summary.IssuesRemaining > 0 {
		return fmt.Errorf("backfill left %d unrepaired hours", summary.IssuesRemaining)
	}
	return nil
}

func newBackfillRangeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill-range",
		Short: "Audit and repair a minute range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			startRaw, _ := cmd.Flags().GetString("start")
			endRaw, _ := cmd.Flags().GetString("end")
			sleep, _ := cmd.Flags().GetDuration("sleep")
			maxMissing, _ := cmd.Flags().GetInt("max-missing-hours")

			start, err := time.Parse(time.RFC3339, startRaw)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			end, err := time.Parse(time.RFC3339, endRaw)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			orch, err := buildOrchestrator(cfg, false)
			if err != nil {
				return err
			}
			return runBackfill(orch, start.UTC(), end.UTC(), sleep, maxMissing)
		},
	}
	cmd.Flags().String("start", "", "Range start, RFC 3339 (required)")
	cmd.Flags().String("end", "", "Range end, RFC 3339 (required)")
	cmd.Flags().Duration("sleep", 0, "Pause between hour repairs")
	cmd.Flags().Int("max-missing-hours", -1, "Max hours to repair (-1 = repair all, leftovers fail the run)")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newBackfillYearsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill-years",
		Short: "Audit and repair whole calendar years",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			years, _ := cmd.Flags().GetIntSlice("years")
			sleep, _ := cmd.Flags().GetDuration("sleep")
			maxMissing, _ := cmd.Flags().GetInt("max-missing-hours")
			for _, year := range years {
				if year < 2019 || year > time.Now().UTC().Year() {
					return fmt.Errorf("year %d outside the UM futures era", year)
				}
			}

			orch, err := buildOrchestrator(cfg, false)
			if err != nil {
				return err
			}
			for _, year := range years {
				start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
				end := time.Date(year, 12, 31, 23, 59, 0, 0, time.UTC)
				if now := time.Now().UTC(); end.After(now) {
					end = now
				}
				log.Info().Int("year", year).Msg("backfilling year")
				if err := runBackfill(orch, start, end, sleep, maxMissing); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntSlice("years", nil, "Calendar years to audit (required)")
	cmd.Flags().Duration("sleep", 0, "Pause between hour repairs")
	cmd.Flags().Int("max-missing-hours", -1, "Max hours to repair per year (-1 = repair all)")
	cmd.MarkFlagRequired("years")
	return cmd
}

func newInspectMetricsColumnsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-metrics-columns",
		Short: "Print the header columns of a metrics archive ZIP",
		RunE: func(cmd *cobra.Command, args []string) error {
			zipPath, _ := cmd.Flags().GetString("zip")
			dateRaw, _ := cmd.Flags().GetString("date")
			symbol, _ := cmd.Flags().GetString("symbol")

			if zipPath == "" {
				if dateRaw == "" {
					return fmt.Errorf("either --zip or --date is required")
				}
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if symbol == "" {
					symbol = cfg.Symbol
				}
				tradeDate, err := time.Parse("2006-01-02", dateRaw)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
				ctx, cancel := signalContext()
				defer cancel()

				client := vision.NewClient(cfg.VisionBaseURL, cfg.HTTPTimeout, nil, log.Logger)
				status, err := client.Status(ctx, "metrics", symbol, tradeDate, "")
				if err != nil {
					return err
				}
				if !status.Exists {
					return fmt.Errorf("no metrics archive for %s on %s", symbol, dateRaw)
				}
				zipPath = filepath.Join(os.TempDir(), fmt.Sprintf("%s-metrics-%s.zip", symbol, dateRaw))
				if err := client.DownloadZip(ctx, status.URL, zipPath); err != nil {
					return err
				}
				defer os.Remove(zipPath)
			}

			columns, err := archive.MetricsColumns(zipPath)
			if err != nil {
				return err
			}
			for _, name := range columns {
				fmt.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().String("zip", "", "Path to a local daily metrics ZIP")
	cmd.Flags().String("date", "", "Trade date YYYY-MM-DD to fetch from the archive host")
	cmd.Flags().String("symbol", "", "Symbol override (defaults to the configured symbol)")
	return cmd
}
