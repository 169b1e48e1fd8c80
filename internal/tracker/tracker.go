// Package tracker owns the lifecycle of scan jobs and applies crawler batches
// to the channel registry.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// ChannelSink merges discovered channels. registry.Registry satisfies it.
type ChannelSink interface {
	UpsertMany(jobID string, records []scan.ChannelRecord) (scan.UpsertResult, error)
}

// Filter narrows a List call. The zero value lists every job, newest first.
type Filter struct {
	Status   scan.JobStatus
	Category string
	Limit    int
}

// Hooks receive committed job changes. They run while the job's apply mutex
// is held, so each job's changes arrive in commit order and a terminal state
// is always the last one reported. Hooks must not call back into the job's
// mutating methods. Nil hooks are skipped.
type Hooks struct {
	JobChanged   func(job scan.ScanJob)
	BatchApplied func(res scan.BatchResult, records []scan.ChannelRecord)
}

// Tracker is the single mutation path for scan jobs.
//
// Locking: mu guards the job table, the running index and every job's fields.
// Each job also has an apply mutex that serializes its batches and its
// terminal transition, so batches land in submission order and never after
// the job finished. The apply mutex is always taken before mu.
type Tracker struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	order   []string
	running map[string]string

	channels ChannelSink
	clock    scan.Clock
	ids      scan.IDGenerator
	logger   *zap.Logger
	hooks    Hooks
}

type entry struct {
	applyMu sync.Mutex
	job     scan.ScanJob
}

// New constructs a Tracker that writes discoveries into channels.
func New(channels ChannelSink, clock scan.Clock, ids scan.IDGenerator, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		jobs:     make(map[string]*entry),
		running:  make(map[string]string),
		channels: channels,
		clock:    clock,
		ids:      ids,
		logger:   logger,
	}
}

// SetHooks installs the change hooks. Call it before the first mutation.
func (t *Tracker) SetHooks(h Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = h
}

func (t *Tracker) currentHooks() Hooks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hooks
}

func categoryKey(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Create admits a new running job for category. It fails with
// scan.ErrAdmissionConflict while another job for the same category runs.
func (t *Tracker) Create(ctx context.Context, category, tag string) (scan.ScanJob, error) {
	if err := ctx.Err(); err != nil {
		return scan.ScanJob{}, fmt.Errorf("create job: %w", err)
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return scan.ScanJob{}, fmt.Errorf("%w: category is required", scan.ErrValidation)
	}
	id, err := t.ids.NewID()
	if err != nil {
		return scan.ScanJob{}, fmt.Errorf("generate job id: %w", err)
	}
	now := t.clock.Now()
	key := categoryKey(category)

	t.mu.Lock()
	if existing, ok := t.running[key]; ok {
		t.mu.Unlock()
		return scan.ScanJob{}, fmt.Errorf("%w: job %s is already scanning %q", scan.ErrAdmissionConflict, existing, category)
	}
	job := scan.ScanJob{
		ID:        id,
		Category:  category,
		Tag:       strings.TrimSpace(tag),
		Status:    scan.JobStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	e := &entry{job: job}
	// Nobody else can see e yet, so taking its apply mutex under mu is safe.
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	t.jobs[id] = e
	t.order = append(t.order, id)
	t.running[key] = id
	hooks := t.hooks
	t.mu.Unlock()

	t.logger.Info("scan job created", zap.String("job_id", id), zap.String("category", category))
	if hooks.JobChanged != nil {
		hooks.JobChanged(job)
	}
	return job, nil
}

// ApplyBatch merges a crawler batch for a running job. ChannelsFound grows by
// the number of keys the registry had never seen; progress advances by
// progressDelta but never moves backwards or past 100.
func (t *Tracker) ApplyBatch(
	ctx context.Context,
	jobID string,
	records []scan.ChannelRecord,
	progressDelta int,
) (scan.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return scan.BatchResult{}, fmt.Errorf("apply batch: %w", err)
	}
	e, err := t.lookup(jobID)
	if err != nil {
		return scan.BatchResult{}, err
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	t.mu.RLock()
	status := e.job.Status
	t.mu.RUnlock()
	if status.Terminal() {
		return scan.BatchResult{}, fmt.Errorf("%w: job %s is %s", scan.ErrInvalidTransition, jobID, status)
	}

	res, err := t.channels.UpsertMany(jobID, records)
	if err != nil {
		return scan.BatchResult{}, fmt.Errorf("apply batch to job %s: %w", jobID, err)
	}

	t.mu.Lock()
	e.job.ChannelsFound += res.Inserted
	e.job.Progress = advance(e.job.Progress, progressDelta)
	e.job.UpdatedAt = t.clock.Now()
	job := e.job
	t.mu.Unlock()

	t.logger.Debug("batch applied",
		zap.String("job_id", jobID),
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("progress", job.Progress),
	)
	result := scan.BatchResult{Job: job, Inserted: res.Inserted, Updated: res.Updated}
	if hooks := t.currentHooks(); hooks.BatchApplied != nil {
		hooks.BatchApplied(result, records)
	}
	return result, nil
}

func advance(current, delta int) int {
	switch {
	case delta <= 0:
		return current
	case delta >= 100-current:
		return 100
	default:
		return current + delta
	}
}

// Finish moves a running job to its terminal state. A completed job reports
// progress 100; a failed job keeps its last known progress.
func (t *Tracker) Finish(ctx context.Context, jobID string, outcome scan.Outcome, reason string) (scan.ScanJob, error) {
	if err := ctx.Err(); err != nil {
		return scan.ScanJob{}, fmt.Errorf("finish job: %w", err)
	}
	status, ok := outcome.Status()
	if !ok {
		return scan.ScanJob{}, fmt.Errorf("%w: unknown outcome %q", scan.ErrValidation, outcome)
	}
	e, err := t.lookup(jobID)
	if err != nil {
		return scan.ScanJob{}, err
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	t.mu.Lock()
	if e.job.Status.Terminal() {
		status := e.job.Status
		t.mu.Unlock()
		return scan.ScanJob{}, fmt.Errorf("%w: job %s is already %s", scan.ErrInvalidTransition, jobID, status)
	}
	now := t.clock.Now()
	e.job.Status = status
	if status == scan.JobStatusCompleted {
		e.job.Progress = 100
	}
	e.job.Reason = reason
	e.job.UpdatedAt = now
	e.job.FinishedAt = &now
	key := categoryKey(e.job.Category)
	if t.running[key] == jobID {
		delete(t.running, key)
	}
	job := e.job
	hooks := t.hooks
	t.mu.Unlock()

	t.logger.Info("scan job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("channels_found", job.ChannelsFound),
	)
	if hooks.JobChanged != nil {
		hooks.JobChanged(job)
	}
	return job, nil
}

// Restore loads jobs recovered from a store. Jobs that were running when the
// previous process stopped are failed with scan.ReasonInterrupted; those are
// returned so callers can record the transition.
func (t *Tracker) Restore(jobs []scan.ScanJob) []scan.ScanJob {
	sorted := append([]scan.ScanJob(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	var interrupted []scan.ScanJob
	for _, job := range sorted {
		if _, ok := t.jobs[job.ID]; ok || job.ID == "" {
			continue
		}
		if !job.Status.Terminal() {
			job.Status = scan.JobStatusFailed
			job.Reason = scan.ReasonInterrupted
			job.UpdatedAt = now
			job.FinishedAt = &now
			interrupted = append(interrupted, job)
		}
		t.jobs[job.ID] = &entry{job: job}
		t.order = append(t.order, job.ID)
	}
	return interrupted
}

// Get returns a job by ID.
func (t *Tracker) Get(jobID string) (scan.ScanJob, error) {
	e, err := t.lookup(jobID)
	if err != nil {
		return scan.ScanJob{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return e.job, nil
}

// Snapshot returns every job in creation order.
func (t *Tracker) Snapshot() []scan.ScanJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]scan.ScanJob, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.jobs[id].job)
	}
	return out
}

// Running returns the jobs currently in the running state.
func (t *Tracker) Running() []scan.ScanJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]scan.ScanJob, 0, len(t.running))
	for _, id := range t.order {
		if job := t.jobs[id].job; job.Status == scan.JobStatusRunning {
			out = append(out, job)
		}
	}
	return out
}

// List returns jobs matching the filter, newest first.
func (t *Tracker) List(filter Filter) []scan.ScanJob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []scan.ScanJob
	want := categoryKey(filter.Category)
	for i := len(t.order) - 1; i >= 0; i-- {
		job := t.jobs[t.order[i]].job
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if want != "" && categoryKey(job.Category) != want {
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

func (t *Tracker) lookup(jobID string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scan.ErrUnknownJob, jobID)
	}
	return e, nil
}
