// Package sched runs the periodic background jobs: sync passes and
// tier selector refreshes. Jobs report failures through the log and
// never crash the process.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	syncpkg "github.com/haven-assistant/haven/internal/sync"
	"github.com/haven-assistant/haven/internal/tier"
)

// Jobs owns the cron runner and the registered background work.
type Jobs struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates an empty job set. Schedules use cron specs, including
// the @every descriptor form.
func New(logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{cron: cron.New(), logger: logger}
}

// AddSync schedules periodic sync passes. A pass already in flight is
// skipped quietly; anything else is logged.
func (j *Jobs) AddSync(spec string, engine *syncpkg.Engine, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_, err := j.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		report, err := engine.SyncNow(ctx)
		if errors.Is(err, syncpkg.ErrSyncBusy) {
			j.logger.Debug("scheduled sync skipped, pass in flight")
			return
		}
		if err != nil {
			j.logger.Warn("scheduled sync failed", "error", err)
			return
		}
		j.logger.Debug("scheduled sync complete",
			"uploaded", report.Uploaded,
			"downloaded", report.Downloaded)
	})
	return err
}

// AddRefresh schedules periodic tier selector refreshes so the
// current decision tracks device and reachability drift between
// requests.
func (j *Jobs) AddRefresh(spec string, selector *tier.Selector, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	_, err := j.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		selector.Refresh(ctx)
	})
	return err
}

// Start begins running scheduled jobs in their own goroutines.
func (j *Jobs) Start() {
	j.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
