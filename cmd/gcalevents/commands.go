package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"gcalevents/internal/config"
	"gcalevents/internal/ics"
	"gcalevents/internal/importer"
	appLog "gcalevents/internal/log"
	"gcalevents/internal/store"
	"gcalevents/internal/web"
)

// app bundles what every subcommand needs.
type app struct {
	cfg  *config.Config
	loc  *time.Location
	repo *store.SQLStore
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := appLog.ParseLevel(cfg.LogLevel)
	if debugFlag {
		level = appLog.LevelDebug
	}
	appLog.Setup(os.Stderr, level, cfg.LogFormat == "json")

	loc := ics.ResolveLocation(cfg.Timezone)
	appLog.Info("effective config",
		"version", version,
		"timezone", loc.String(),
		"lookahead_months", cfg.LookaheadMonths,
		"retention_days", cfg.RetentionDays,
		"max_instances", cfg.MaxInstancesPerSeries,
		"database", cfg.Database.Driver,
	)

	repo, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, loc)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, loc: loc, repo: repo}, nil
}

func (a *app) importer(src ics.Source) *importer.Importer {
	return importer.New(a.repo, ics.NewFetcher(a.cfg.CacheDir), importer.Options{
		Source:          src,
		Location:        a.loc,
		LookaheadMonths: a.cfg.LookaheadMonths,
		MaxInstances:    a.cfg.MaxInstancesPerSeries,
		RetentionDays:   a.cfg.RetentionDays,
	})
}

func (a *app) Close() {
	if err := a.repo.Close(); err != nil {
		appLog.Error("close store", err)
	}
}

func newImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Fetch the calendar once and reconcile it into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			src := ics.Source{URL: a.cfg.ICSURL}
			if file != "" {
				src = ics.Source{URL: file}
			}
			sum, err := a.importer(src).Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, deleted %d, unchanged %d (%d instances)\n",
				sum.Imported, sum.Deleted, sum.Unchanged, sum.Instances)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Import a local .ics file instead of the configured URL")
	return cmd
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and refresh the calendar on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if listen != "" {
				a.cfg.Listen = listen
			}
			imp := a.importer(ics.Source{URL: a.cfg.ICSURL})
			return serve(ctx, a, imp)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "HTTP listen address (overrides config if set)")
	return cmd
}

// scheduledImport runs one import for the scheduler. An overlapping run is
// not an error.
func scheduledImport(ctx context.Context, imp web.ImportRunner) {
	if _, err := imp.Run(ctx); err != nil && !errors.Is(err, importer.ErrImportRunning) {
		appLog.Error("scheduled import failed", err)
	}
}

func serve(ctx context.Context, a *app, imp *importer.Importer) error {
	runImport := func() { scheduledImport(ctx, imp) }

	sched := cron.New(cron.WithLocation(a.loc))
	if _, err := sched.AddFunc(a.cfg.RefreshCron, runImport); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", a.cfg.RefreshCron, err)
	}

	if a.cfg.ICSURL == "" {
		appLog.Warn("no ics_url configured; scheduled imports will fail until one is set")
	}
	go runImport()
	sched.Start()
	appLog.Info("scheduler started", "refresh", a.cfg.RefreshCron)
	defer func() { <-sched.Stop().Done() }()

	return web.NewServer(a.cfg, a.repo, imp).ListenAndServe(ctx)
}

func newEventsCmd() *cobra.Command {
	var (
		days   int
		search string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List upcoming events from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().In(a.loc)
			events, err := a.repo.List(ctx, store.ListOptions{
				From:   now,
				Until:  now.AddDate(0, 0, days),
				Search: search,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "START\tEND\tSUMMARY\tLOCATION\tUID")
			for _, ev := range events {
				layout := "2006-01-02 15:04"
				if ev.AllDay {
					layout = "2006-01-02"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					ev.Start.Format(layout), ev.End.Format(layout), ev.Summary, ev.Location, ev.UID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "Days ahead to include")
	cmd.Flags().StringVarP(&search, "search", "s", "", "Case-insensitive text filter")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events (0 = no limit)")
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write upcoming stored events as an ICS calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			events, err := a.repo.List(ctx, store.ListOptions{From: now})
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := ics.WriteICS(w, events, ics.ExportOptions{Name: "gcalevents", Now: now}); err != nil {
				return err
			}
			appLog.Info("exported events", "count", len(events), "out", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}
