// Package watchdog runs periodic maintenance against the scan core: it
// cancels stalled jobs and drives other scheduled tasks such as snapshot
// archiving.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Jobs is the part of the coordinator the watchdog acts on.
type Jobs interface {
	RunningJobs() []scan.ScanJob
	Cancel(ctx context.Context, jobID, reason string) (scan.ScanJob, error)
}

// Task is a scheduled unit of work.
type Task func(ctx context.Context) error

// Watchdog owns a cron scheduler. Schedules use the standard 5-field syntax
// and descriptors such as "@every 30s".
type Watchdog struct {
	jobs       Jobs
	clock      scan.Clock
	stallAfter time.Duration
	logger     *zap.Logger

	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Watchdog. Jobs whose last update is older than stallAfter are
// considered stalled.
func New(jobs Jobs, clock scan.Clock, stallAfter time.Duration, logger *zap.Logger) (*Watchdog, error) {
	if jobs == nil || clock == nil {
		return nil, errors.New("watchdog requires jobs and a clock")
	}
	if stallAfter <= 0 {
		return nil, errors.New("stall threshold must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		jobs:       jobs,
		clock:      clock,
		stallAfter: stallAfter,
		logger:     logger,
		cron:       cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		parser:     parser,
		entries:    make(map[string]cron.EntryID),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Sweep cancels every running job that has not been updated within the stall
// threshold and returns the cancelled IDs.
func (w *Watchdog) Sweep(ctx context.Context) []string {
	cutoff := w.clock.Now().Add(-w.stallAfter)
	var cancelled []string
	for _, job := range w.jobs.RunningJobs() {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		if _, err := w.jobs.Cancel(ctx, job.ID, scan.ReasonStalled); err != nil {
			if !errors.Is(err, scan.ErrInvalidTransition) {
				w.logger.Warn("cancel stalled job", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		w.logger.Warn("stalled job cancelled",
			zap.String("job_id", job.ID),
			zap.String("category", job.Category),
			zap.Time("last_update", job.UpdatedAt),
		)
		cancelled = append(cancelled, job.ID)
	}
	return cancelled
}

// ScheduleSweep registers the stall sweep on the given cron expression.
func (w *Watchdog) ScheduleSweep(spec string) error {
	return w.Schedule("stall-sweep", spec, func(ctx context.Context) error {
		w.Sweep(ctx)
		return nil
	})
}

// Schedule registers task under name, replacing any earlier entry with the
// same name.
func (w *Watchdog) Schedule(name, spec string, task Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	schedule, err := w.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.entries[name]; ok {
		w.cron.Remove(id)
	}
	w.entries[name] = w.cron.Schedule(schedule, cron.FuncJob(func() {
		if err := task(w.ctx); err != nil {
			w.logger.Error("scheduled task failed", zap.String("task", name), zap.Error(err))
		}
	}))
	w.logger.Info("task scheduled", zap.String("task", name), zap.String("schedule", spec))
	return nil
}

// Start begins running scheduled tasks in the background.
func (w *Watchdog) Start() {
	w.cron.Start()
}

// Stop halts the scheduler and waits for running tasks or ctx.
func (w *Watchdog) Stop(ctx context.Context) error {
	w.cancel()
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop watchdog: %w", ctx.Err())
	}
}
