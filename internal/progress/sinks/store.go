package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/progress"
	"github.com/JakeFAU/channelscan/internal/scan"
)

// StoreSink persists job state and merged channels through a scan.Store. It
// collapses each batch to the newest state per job and per channel key to
// reduce write amplification; a running job never replaces a terminal one.
type StoreSink struct {
	store  scan.Store
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided store.
func NewStoreSink(store scan.Store, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Consume writes channels first, then job log rows, so a job row never
// references channels the store has not seen. Store errors are returned
// verbatim with context.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.store == nil {
		return nil
	}
	var (
		jobOrder     []string
		jobs         = make(map[string]scan.ScanJob)
		channelOrder []string
		channels     = make(map[string]scan.ChannelRecord)
	)
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobBatch, progress.StageJobDone, progress.StageJobError:
		default:
			continue
		}
		if prev, ok := jobs[evt.Job.ID]; !ok {
			jobOrder = append(jobOrder, evt.Job.ID)
			jobs[evt.Job.ID] = evt.Job
		} else if evt.Job.Supersedes(prev) {
			jobs[evt.Job.ID] = evt.Job
		}
		for _, ch := range evt.Channels {
			if prev, ok := channels[ch.Key]; !ok {
				channelOrder = append(channelOrder, ch.Key)
				channels[ch.Key] = ch
			} else if ch.Supersedes(prev) {
				channels[ch.Key] = ch
			}
		}
	}

	if len(channelOrder) > 0 {
		records := make([]scan.ChannelRecord, 0, len(channelOrder))
		for _, key := range channelOrder {
			records = append(records, channels[key])
		}
		if err := s.store.UpsertChannels(ctx, records); err != nil {
			return fmt.Errorf("upsert channels: %w", err)
		}
	}
	for _, id := range jobOrder {
		if err := s.store.AppendJobLog(ctx, jobs[id]); err != nil {
			return fmt.Errorf("append job log: %w", err)
		}
	}
	if len(jobOrder) > 0 || len(channelOrder) > 0 {
		s.logger.Debug("progress persisted", zap.Int("jobs", len(jobOrder)), zap.Int("channels", len(channelOrder)))
	}
	return nil
}

// Close releases the underlying store.
func (s *StoreSink) Close(context.Context) error {
	if s == nil || s.store == nil {
		return nil
	}
	s.store.Close()
	return nil
}
