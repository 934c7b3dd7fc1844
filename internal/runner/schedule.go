package runner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	appLog "ex2gcal/internal/log"
)

// cronLogger adapts the app logger to cron.Logger.
type cronLogger struct {
	l *appLog.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error("cron: "+msg, err, kv...)
}

// Schedule calls job on every tick of the standard cron spec until ctx is
// done. A tick that fires while the previous job is still running is
// skipped. Schedule returns after the running job, if any, has finished.
func Schedule(ctx context.Context, spec string, logger *appLog.Logger, job func(context.Context)) error {
	cl := cronLogger{l: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := c.AddFunc(spec, func() { job(ctx) })
	if err != nil {
		return &Error{Stage: StageConfig, Err: fmt.Errorf("schedule %q: %w", spec, err)}
	}

	c.Start()
	logger.Info("schedule started", "spec", spec, "next", c.Entry(id).Next)

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("schedule stopped")
	return nil
}
