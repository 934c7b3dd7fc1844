package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ex2gcal/internal/auth"
	"ex2gcal/internal/config"
	"ex2gcal/internal/runner"
)

type syncOptions struct {
	*rootOptions

	days           int
	prefix         string
	skip           string
	timezone       string
	source         string
	calendarID     string
	workers        int
	dryRun         bool
	schedule       string
	nonInteractive bool
}

func newSyncCmd(opts *syncOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the sync window once (or on a schedule)",
		Long: `Reconcile the window [today 00:00, today+N 23:59:59] once and exit.

Exit status is 0 when every change was applied, 2 when the pass completed
but some events could not be written, and 1 when setup or listing failed
and nothing was changed. With --schedule the pass repeats on a cron
schedule until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.days, "days", 0, "Days to sync past today (EX2GCAL_NUM_DAYS_TO_SYNC)")
	f.StringVar(&opts.prefix, "prefix", "", "Prefix for copied event titles (EX2GCAL_EVENT_TITLE_PREFIX)")
	f.StringVar(&opts.skip, "skip", "", "Comma-separated subjects never to copy (EX2GCAL_EVENT_TITLES_TO_SKIP)")
	f.StringVar(&opts.timezone, "timezone", "", "IANA zone of the sync window (EX2GCAL_TIMEZONE)")
	f.StringVar(&opts.source, "source", "", "Source calendar: ews or ics (EX2GCAL_SOURCE)")
	f.StringVar(&opts.calendarID, "calendar", "", "Destination calendar id (EX2GCAL_CALENDAR_ID)")
	f.IntVar(&opts.workers, "workers", 0, "Concurrent destination writes (EX2GCAL_WORKERS)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Log decisions without changing the destination (EX2GCAL_DRY_RUN)")
	f.StringVar(&opts.schedule, "schedule", "", "Cron spec to repeat the sync, e.g. \"*/15 * * * *\" (EX2GCAL_SCHEDULE)")
	f.BoolVar(&opts.nonInteractive, "non-interactive", false, "Fail instead of prompting when no token is cached")

	return cmd
}

// applyFlags overrides cfg with every flag set on the command line.
func (o *syncOptions) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("days") {
		cfg.NumDaysToSync = o.days
	}
	if f.Changed("prefix") {
		cfg.EventTitlePrefix = o.prefix
	}
	if f.Changed("skip") {
		cfg.EventTitlesToSkip = config.SplitList(o.skip)
	}
	if f.Changed("timezone") {
		cfg.Timezone = o.timezone
	}
	if f.Changed("source") {
		cfg.Source = o.source
	}
	if f.Changed("calendar") {
		cfg.CalendarID = o.calendarID
	}
	if f.Changed("workers") {
		cfg.Workers = o.workers
	}
	if f.Changed("dry-run") {
		cfg.DryRun = o.dryRun
	}
	if f.Changed("schedule") {
		cfg.Schedule = o.schedule
	}
}

func (o *syncOptions) run(cmd *cobra.Command) error {
	ctx := cmd.Context()

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	o.applyFlags(cmd, cfg)
	logger := o.newLogger(cfg)

	logger.Info("effective config", cfg.LogFields()...)

	unlock, err := runner.Lock(cfg.TokenFile + ".lock")
	if err != nil {
		logger.Error("sync aborted", err)
		return &exitError{code: runner.ExitFatal, err: err}
	}
	defer func() {
		if err := unlock(); err != nil {
			logger.Error("lock release failed", err)
		}
	}()

	r, err := runner.Setup(ctx, cfg, logger, runner.SetupOptions{
		Auth: auth.ClientOptions{
			Interactive: !o.nonInteractive && isTerminal(os.Stdin),
			Prompt:      o.prompt,
		},
	})
	if err != nil {
		logger.Error("setup failed", err)
		return &exitError{code: runner.ExitFatal, err: err}
	}

	if cfg.Schedule != "" {
		return runner.Schedule(ctx, cfg.Schedule, logger, func(ctx context.Context) {
			// Failures are already logged by the runner; the schedule goes on.
			_, _ = r.Run(ctx)
		})
	}

	rep, err := r.Run(ctx)
	switch code := runner.ExitCode(rep, err); code {
	case runner.ExitOK:
		return nil
	case runner.ExitDegraded:
		return &exitError{code: code, err: fmt.Errorf("sync completed with %d failed changes", rep.Stats.Failed)}
	default:
		if err == nil {
			err = errors.New("sync failed")
		}
		return &exitError{code: code, err: err}
	}
}

func (o *rootOptions) prompt(authURL string) {
	fmt.Fprintf(o.stderr, "Open this URL in your browser to authorize ex2gcal:\n\n  %s\n\nWaiting for the redirect...\n", authURL)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
