// Package runner sequences one sync: destination index, source fetch,
// reconciliation and the final report.
package runner

import (
	"context"
	"fmt"
	"time"

	appLog "ex2gcal/internal/log"
	"ex2gcal/internal/model"
	"ex2gcal/internal/reconcile"
)

// Stage names the step a fatal error came from.
type Stage string

const (
	StageConfig           Stage = "config"
	StageLock             Stage = "lock"
	StageSourceSetup      Stage = "source-setup"
	StageDestinationSetup Stage = "destination-setup"
	StageDestinationList  Stage = "destination-list"
	StageSourceFetch      Stage = "source-fetch"
)

// Error is a fatal failure that stopped a run before any mutation.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Exit codes.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitDegraded = 2
)

// Source is the calendar events are copied from.
type Source interface {
	FetchEvents(ctx context.Context, start, end time.Time) ([]model.SourceEvent, error)
}

// Report summarizes a completed pass.
type Report struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Fetched     int
	Indexed     int
	Stats       reconcile.Stats
	Elapsed     time.Duration
}

// Degraded reports a complete pass in which at least one mutation failed.
func (r Report) Degraded() bool {
	return r.Stats.Failed > 0
}

// ExitCode maps the outcome of Run to a process status.
func ExitCode(rep Report, err error) int {
	switch {
	case err != nil:
		return ExitFatal
	case rep.Degraded():
		return ExitDegraded
	default:
		return ExitOK
	}
}

// WindowFunc returns the range to reconcile for a run started at now.
type WindowFunc func(now time.Time) (time.Time, time.Time)

// Runner holds the fully initialized collaborators of a sync.
type Runner struct {
	source Source
	dest   reconcile.Destination
	engine *reconcile.Engine
	window WindowFunc
	logger *appLog.Logger
	now    func() time.Time
}

// New returns a Runner. Every collaborator must already be usable; see Setup.
func New(source Source, dest reconcile.Destination, engine *reconcile.Engine, window WindowFunc, logger *appLog.Logger) *Runner {
	return &Runner{
		source: source,
		dest:   dest,
		engine: engine,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Run performs one full pass. A returned error is always a *Error and means
// the destination was not touched.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	began := r.now()
	start, end := r.window(began)
	rep := Report{WindowStart: start, WindowEnd: end}

	r.logger.Info("sync started", "window_start", start, "window_end", end)

	ix, err := reconcile.BuildIndex(ctx, r.dest, start, end)
	if err != nil {
		return rep, r.fail(&Error{Stage: StageDestinationList, Err: err})
	}
	rep.Indexed = ix.Len()

	events, err := r.source.FetchEvents(ctx, start, end)
	if err != nil {
		return rep, r.fail(&Error{Stage: StageSourceFetch, Err: err})
	}
	rep.Fetched = len(events)
	r.logger.Info("sync inputs loaded", "source_events", rep.Fetched, "owned_destination_events", rep.Indexed)

	rep.Stats = r.engine.Reconcile(ctx, events, ix)
	rep.Elapsed = r.now().Sub(began)

	r.logger.Info("sync finished",
		"created", rep.Stats.Created,
		"updated", rep.Stats.Updated,
		"unchanged", rep.Stats.Unchanged,
		"skipped", rep.Stats.Skipped,
		"deleted", rep.Stats.Deleted,
		"failed", rep.Stats.Failed,
		"elapsed", rep.Elapsed.Round(time.Millisecond),
	)
	return rep, nil
}

func (r *Runner) fail(err *Error) error {
	r.logger.Error("sync aborted", err.Err, "stage", err.Stage)
	return err
}
