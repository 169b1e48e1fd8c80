package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channelscan/internal/progress"
	"github.com/JakeFAU/channelscan/internal/scan"
)

// TestStoreSinkCollapsesPerJobAndChannel persists the latest state once per key.
func TestStoreSinkCollapsesPerJobAndChannel(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	sink := NewStoreSink(store, nil)
	now := time.Now()
	job := scan.ScanJob{ID: "job-1", Status: scan.JobStatusRunning}
	step := job
	step.Progress = 40
	done := step
	done.Status = scan.JobStatusCompleted
	done.Progress = 100

	batch := []progress.Event{
		progress.JobEvent(now, job),
		{TS: now, Stage: progress.StageJobBatch, Job: step, Channels: []scan.ChannelRecord{
			{Key: "t.me/a", Subscribers: 1},
			{Key: "t.me/b", Subscribers: 2},
		}},
		{TS: now, Stage: progress.StageJobBatch, Job: step, Channels: []scan.ChannelRecord{
			{Key: "t.me/a", Subscribers: 10},
		}},
		{TS: now, Stage: progress.StagePosture, Posture: scan.PostureBlocked},
		progress.JobEvent(now, done),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, store.upserts, 1)
	require.Equal(t, []scan.ChannelRecord{
		{Key: "t.me/a", Subscribers: 10},
		{Key: "t.me/b", Subscribers: 2},
	}, store.upserts[0])
	require.Len(t, store.logs, 1)
	require.Equal(t, scan.JobStatusCompleted, store.logs[0].Status)
}

// TestStoreSinkKeepsTerminalStateAndNewestChannel ignores stale events that
// arrive after a job finished or after a newer channel merge.
func TestStoreSinkKeepsTerminalStateAndNewestChannel(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	sink := NewStoreSink(store, nil)
	t0 := time.Unix(1700000000, 0).UTC()
	cancelled := scan.ScanJob{ID: "job-1", Status: scan.JobStatusFailed, Reason: scan.ReasonCancelled, UpdatedAt: t0}
	stale := scan.ScanJob{ID: "job-1", Status: scan.JobStatusRunning, Progress: 20, UpdatedAt: t0.Add(time.Second)}

	batch := []progress.Event{
		{TS: t0, Stage: progress.StageJobBatch, Job: scan.ScanJob{ID: "job-2", Status: scan.JobStatusRunning},
			Channels: []scan.ChannelRecord{{Key: "t.me/a", Subscribers: 50, LastSeen: t0.Add(time.Second)}}},
		progress.JobEvent(t0, cancelled),
		{TS: t0, Stage: progress.StageJobBatch, Job: stale,
			Channels: []scan.ChannelRecord{{Key: "t.me/a", Subscribers: 5, LastSeen: t0}}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, store.upserts, 1)
	require.Equal(t, int64(50), store.upserts[0][0].Subscribers)
	require.Len(t, store.logs, 2)
	require.Equal(t, "job-2", store.logs[0].ID)
	require.Equal(t, scan.JobStatusFailed, store.logs[1].Status)
}

// TestStoreSinkHandlesErrors surfaces store failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeStore{fail: true}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		progress.JobEvent(time.Now(), scan.ScanJob{ID: "job-1", Status: scan.JobStatusRunning}),
	})
	require.Error(t, err)
}

// TestStoreSinkNilStore is a no-op.
func TestStoreSinkNilStore(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		progress.JobEvent(time.Now(), scan.ScanJob{ID: "job-1"}),
	}))
	require.NoError(t, sink.Close(context.Background()))
}

type fakeStore struct {
	fail    bool
	upserts [][]scan.ChannelRecord
	logs    []scan.ScanJob
	closed  bool
}

func (f *fakeStore) UpsertChannels(_ context.Context, records []scan.ChannelRecord) error {
	if f.fail {
		return errors.New("boom")
	}
	f.upserts = append(f.upserts, records)
	return nil
}

func (f *fakeStore) AppendJobLog(_ context.Context, job scan.ScanJob) error {
	if f.fail {
		return errors.New("boom")
	}
	f.logs = append(f.logs, job)
	return nil
}

func (f *fakeStore) LoadChannels(context.Context) ([]scan.ChannelRecord, error) { return nil, nil }

func (f *fakeStore) LoadJobs(context.Context) ([]scan.ScanJob, error) { return nil, nil }

func (f *fakeStore) Close() { f.closed = true }
