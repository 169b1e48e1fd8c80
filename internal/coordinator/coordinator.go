// Package coordinator is the single entry point into the scan core. It admits
// scan requests, hands jobs to the crawler, relays crawler callbacks to the
// tracker and posture, and assembles consistent snapshots for readers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/posture"
	"github.com/JakeFAU/channelscan/internal/progress"
	"github.com/JakeFAU/channelscan/internal/registry"
	"github.com/JakeFAU/channelscan/internal/scan"
	"github.com/JakeFAU/channelscan/internal/stats"
	"github.com/JakeFAU/channelscan/internal/tracker"
)

// ErrClosed is returned by StartScan once Close has been called.
var ErrClosed = errors.New("coordinator closed")

// Deps wires the coordinator's collaborators. Registry, Tracker, Posture and
// Clock are required.
type Deps struct {
	Registry *registry.Registry
	Tracker  *tracker.Tracker
	Posture  *posture.Tracker
	Crawler  scan.Crawler
	Events   progress.Emitter
	Clock    scan.Clock
	Logger   *zap.Logger
}

// Admission is the result of an accepted scan request.
type Admission struct {
	Job     scan.ScanJob `json:"job"`
	Posture scan.Posture `json:"posture"`
}

// Snapshot is a read-only view of every resource taken at one instant.
type Snapshot struct {
	Jobs       []scan.ScanJob          `json:"jobs"`
	Channels   []scan.ChannelRecord    `json:"channels"`
	Aggregates scan.Aggregates         `json:"aggregates"`
	Posture    scan.Posture            `json:"posture"`
	Exports    []scan.ExportDescriptor `json:"exports"`
	TakenAt    time.Time               `json:"taken_at"`
}

// Coordinator implements scan.ResultSink for crawler callbacks.
//
// Every mutation holds gate shared, so mutations on different jobs proceed in
// parallel while RefreshAll, which holds it exclusively, sees no half-applied
// change across the registry and job set.
type Coordinator struct {
	gate sync.RWMutex

	registry *registry.Registry
	tracker  *tracker.Tracker
	posture  *posture.Tracker
	crawler  scan.Crawler
	events   progress.Emitter
	clock    scan.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	exports []scan.ExportDescriptor
	closed  bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New validates deps and returns a ready Coordinator.
func New(deps Deps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("registry is required")
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Posture == nil:
		return nil, errors.New("posture tracker is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Events == nil {
		deps.Events = progress.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		registry: deps.Registry,
		tracker:  deps.Tracker,
		posture:  deps.Posture,
		crawler:  deps.Crawler,
		events:   deps.Events,
		clock:    deps.Clock,
		logger:   deps.Logger,
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		stop:     cancel,
	}
	deps.Tracker.SetHooks(tracker.Hooks{
		JobChanged:   c.jobChanged,
		BatchApplied: c.batchApplied,
	})
	return c, nil
}

// jobChanged and batchApplied run under the job's apply mutex, so events for
// one job reach the progress hub in commit order.
func (c *Coordinator) jobChanged(job scan.ScanJob) {
	c.emit(progress.JobEvent(c.clock.Now(), job))
}

func (c *Coordinator) batchApplied(res scan.BatchResult, records []scan.ChannelRecord) {
	c.emit(progress.Event{
		TS:       c.clock.Now(),
		Stage:    progress.StageJobBatch,
		Job:      res.Job,
		Channels: c.merged(records),
		Inserted: res.Inserted,
		Updated:  res.Updated,
	})
}

// StartScan admits a scan for req.Category and hands it to the crawler
// without waiting for the crawl. Admission fails with scan.ErrValidation for an
// empty category, scan.ErrSecurityBlocked while the posture is blocked, and
// scan.ErrAdmissionConflict while the category already has a running job.
// A failed admission creates no job.
func (c *Coordinator) StartScan(ctx context.Context, req scan.ScanRequest) (Admission, error) {
	if strings.TrimSpace(req.Category) == "" {
		return Admission{}, fmt.Errorf("%w: category is required", scan.ErrValidation)
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	if c.isClosed() {
		return Admission{}, ErrClosed
	}
	current := c.posture.Current()
	if current.Blocks() {
		return Admission{}, fmt.Errorf("%w: posture is %s", scan.ErrSecurityBlocked, current)
	}
	job, err := c.tracker.Create(ctx, req.Category, req.Tag)
	if err != nil {
		return Admission{}, err
	}
	c.emitStats()
	c.launch(job)
	return Admission{Job: job, Posture: current}, nil
}

func (c *Coordinator) launch(job scan.ScanJob) {
	if c.crawler == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.cancels[job.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.crawler.Crawl(ctx, job, c)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.Error("crawler hand-off failed", zap.String("job_id", job.ID), zap.Error(err))
		_, finishErr := c.Finish(context.Background(), job.ID, scan.OutcomeFailed, err.Error())
		if finishErr != nil && !errors.Is(finishErr, scan.ErrInvalidTransition) {
			c.logger.Warn("fail job after crawler error", zap.String("job_id", job.ID), zap.Error(finishErr))
		}
	}()
}

func (c *Coordinator) release(jobID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[jobID]
	delete(c.cancels, jobID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// ApplyBatch merges a crawler batch into the job and the registry.
func (c *Coordinator) ApplyBatch(
	ctx context.Context,
	jobID string,
	records []scan.ChannelRecord,
	progressDelta int,
) (scan.BatchResult, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	res, err := c.tracker.ApplyBatch(ctx, jobID, records, progressDelta)
	if err != nil {
		return scan.BatchResult{}, err
	}
	c.emitStats()
	return res, nil
}

// merged returns the registry's current view of the batch's keys.
func (c *Coordinator) merged(records []scan.ChannelRecord) []scan.ChannelRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]scan.ChannelRecord, 0, len(records))
	for _, rec := range records {
		link := rec.Link
		if link == "" {
			link = rec.Key
		}
		got, err := c.registry.Get(link)
		if err != nil {
			continue
		}
		if _, dup := seen[got.Key]; dup {
			continue
		}
		seen[got.Key] = struct{}{}
		out = append(out, got)
	}
	return out
}

// Finish moves a job to its terminal state and stops its crawl context.
func (c *Coordinator) Finish(ctx context.Context, jobID string, outcome scan.Outcome, reason string) (scan.ScanJob, error) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	job, err := c.tracker.Finish(ctx, jobID, outcome, reason)
	if err != nil {
		return scan.ScanJob{}, err
	}
	c.release(jobID)
	c.emitStats()
	return job, nil
}

// Cancel fails a running job. Batches already being applied land first;
// later ones are rejected with scan.ErrInvalidTransition.
func (c *Coordinator) Cancel(ctx context.Context, jobID, reason string) (scan.ScanJob, error) {
	if strings.TrimSpace(reason) == "" {
		reason = scan.ReasonCancelled
	}
	job, err := c.Finish(ctx, jobID, scan.OutcomeFailed, reason)
	if err != nil {
		return scan.ScanJob{}, err
	}
	c.logger.Info("scan job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return job, nil
}

// ReportSignal records a crawler posture signal and returns the resulting state.
func (c *Coordinator) ReportSignal(ctx context.Context, signal scan.Posture) (scan.Posture, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("report signal: %w", err)
	}
	if signal < scan.PostureSafe || signal > scan.PostureBlocked {
		return 0, fmt.Errorf("%w: unknown posture %d", scan.ErrValidation, int(signal))
	}
	c.gate.RLock()
	defer c.gate.RUnlock()

	state, changed := c.posture.Report(signal)
	if changed {
		c.emit(progress.Event{TS: c.clock.Now(), Stage: progress.StagePosture, Posture: state})
	}
	return state, nil
}

// ResetPosture returns the posture to safe.
func (c *Coordinator) ResetPosture(context.Context) scan.Posture {
	c.gate.RLock()
	defer c.gate.RUnlock()

	if c.posture.Reset() {
		c.emit(progress.Event{TS: c.clock.Now(), Stage: progress.StagePosture, Posture: scan.PostureSafe})
	}
	return scan.PostureSafe
}

// Posture returns the current posture.
func (c *Coordinator) Posture() scan.Posture {
	return c.posture.Current()
}

// RecordExport appends a completed export to the ledger. The checksum is
// recorded as given.
func (c *Coordinator) RecordExport(ctx context.Context, desc scan.ExportDescriptor) (scan.ExportDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return scan.ExportDescriptor{}, fmt.Errorf("record export: %w", err)
	}
	desc.Name = strings.TrimSpace(desc.Name)
	switch {
	case desc.Name == "":
		return scan.ExportDescriptor{}, fmt.Errorf("%w: export name is required", scan.ErrValidation)
	case desc.SizeBytes < 0 || desc.Rows < 0:
		return scan.ExportDescriptor{}, fmt.Errorf("%w: export size and rows must be >= 0", scan.ErrValidation)
	}
	if desc.JobID != "" {
		if _, err := c.tracker.Get(desc.JobID); err != nil {
			return scan.ExportDescriptor{}, err
		}
	}
	if desc.CreatedAt.IsZero() {
		desc.CreatedAt = c.clock.Now()
	}

	c.gate.RLock()
	defer c.gate.RUnlock()
	c.mu.Lock()
	c.exports = append(c.exports, desc)
	c.mu.Unlock()

	c.emit(progress.Event{TS: c.clock.Now(), Stage: progress.StageExport, Export: &desc})
	return desc, nil
}

// Exports returns the export ledger, newest first.
func (c *Coordinator) Exports() []scan.ExportDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reversed(c.exports)
}

func reversed(in []scan.ExportDescriptor) []scan.ExportDescriptor {
	out := make([]scan.ExportDescriptor, len(in))
	for i, d := range in {
		out[len(in)-1-i] = d
	}
	return out
}

// RefreshAll returns a consistent snapshot of jobs, channels, aggregates,
// posture and exports. Aggregates are recomputed from the same cut.
func (c *Coordinator) RefreshAll(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("refresh: %w", err)
	}
	c.gate.Lock()
	defer c.gate.Unlock()

	jobs := c.tracker.Snapshot()
	channels := c.registry.List(registry.Filter{})
	return Snapshot{
		Jobs:       jobs,
		Channels:   channels,
		Aggregates: stats.Compute(channels, jobs),
		Posture:    c.posture.Current(),
		Exports:    c.Exports(),
		TakenAt:    c.clock.Now(),
	}, nil
}

// Aggregates recomputes the summary counters from a consistent cut.
func (c *Coordinator) Aggregates() scan.Aggregates {
	c.gate.Lock()
	defer c.gate.Unlock()
	return stats.Compute(c.registry.List(registry.Filter{}), c.tracker.Snapshot())
}

// Job returns one job.
func (c *Coordinator) Job(jobID string) (scan.ScanJob, error) {
	return c.tracker.Get(jobID)
}

// Jobs lists jobs, newest first.
func (c *Coordinator) Jobs(filter tracker.Filter) []scan.ScanJob {
	return c.tracker.List(filter)
}

// RunningJobs returns jobs currently running.
func (c *Coordinator) RunningJobs() []scan.ScanJob {
	return c.tracker.Running()
}

// Channel returns one registry record by link or key.
func (c *Coordinator) Channel(link string) (scan.ChannelRecord, error) {
	return c.registry.Get(link)
}

// Channels lists registry records.
func (c *Coordinator) Channels(filter registry.Filter) []scan.ChannelRecord {
	return c.registry.List(filter)
}

// Restore warm-starts the core from store. Jobs that were running when the
// previous process stopped come back failed with scan.ReasonInterrupted.
func (c *Coordinator) Restore(ctx context.Context, store scan.Store) error {
	channels, err := store.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("restore channels: %w", err)
	}
	jobs, err := store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	c.gate.Lock()
	defer c.gate.Unlock()
	restored, err := c.registry.Restore(channels)
	if err != nil {
		return fmt.Errorf("restore channels: %w", err)
	}
	interrupted := c.tracker.Restore(jobs)
	now := c.clock.Now()
	for _, job := range interrupted {
		c.emit(progress.JobEvent(now, job))
	}
	c.emitStats()
	c.logger.Info("state restored",
		zap.Int("channels", restored),
		zap.Int("jobs", len(jobs)),
		zap.Int("interrupted", len(interrupted)),
	)
	return nil
}

// Close stops admitting scans, cancels running crawls and waits for crawler
// goroutines to return or ctx to expire. Running jobs stay running.
func (c *Coordinator) Close(ctx context.Context) error {
	// Taking the gate exclusively waits out any StartScan that is between
	// its closed check and launch.
	c.gate.Lock()
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	c.gate.Unlock()
	if already {
		return nil
	}
	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawlers: %w", ctx.Err())
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) emit(evt progress.Event) {
	c.events.Emit(evt)
}

func (c *Coordinator) emitStats() {
	channels, subscribers := c.registry.Totals()
	agg := stats.FromTotals(channels, subscribers, c.tracker.Snapshot())
	c.emit(progress.Event{
		TS:         c.clock.Now(),
		Stage:      progress.StageStats,
		Aggregates: agg,
		Posture:    c.posture.Current(),
	})
}
