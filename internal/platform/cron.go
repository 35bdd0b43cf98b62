package platform

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SweepFunc is a scheduled maintenance job. It receives a context bound to
// the scheduler's lifetime, not to a single run — implementations should
// derive their own per-run timeout.
type SweepFunc func(ctx context.Context) error

// CronRunner schedules periodic maintenance sweeps (retention, compliance
// snapshots, key rotation) on standard 5-field cron expressions.
type CronRunner struct {
	ctx    context.Context
	logger *slog.Logger
	cron   *cron.Cron
}

// NewCronRunner creates a runner bound to ctx. Sweeps registered via Schedule
// stop automatically when ctx is cancelled.
func NewCronRunner(ctx context.Context, logger *slog.Logger) *CronRunner {
	return &CronRunner{
		ctx:    ctx,
		logger: logger,
		cron:   cron.New(),
	}
}

// Schedule registers a named sweep on the given cron expression. Errors
// returned by fn are logged, not propagated — a failed sweep must not crash
// the process and must not prevent the next scheduled run.
func (r *CronRunner) Schedule(name, expr string, fn SweepFunc) error {
	_, err := r.cron.AddFunc(expr, func() {
		if err := fn(r.ctx); err != nil {
			r.logger.Error("sweep failed", "sweep", name, "error", err)
			return
		}
		r.logger.Info("sweep completed", "sweep", name)
	})
	return err
}

// Start begins running scheduled sweeps in the background.
func (r *CronRunner) Start() {
	r.cron.Start()
}

// Stop halts the scheduler and waits for in-flight sweeps to finish.
func (r *CronRunner) Stop() {
	<-r.cron.Stop().Done()
}
