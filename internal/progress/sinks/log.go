package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/progress"
)

// LogSink emits structured logs for each event. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobBatch, progress.StageJobDone, progress.StageJobError:
			fields = append(fields,
				zap.String("job_id", evt.Job.ID),
				zap.String("category", evt.Job.Category),
				zap.Int("progress", evt.Job.Progress),
				zap.Int("channels_found", evt.Job.ChannelsFound),
			)
			if evt.Stage == progress.StageJobBatch {
				fields = append(fields, zap.Int("inserted", evt.Inserted), zap.Int("updated", evt.Updated))
			}
		case progress.StagePosture:
			fields = append(fields, zap.Stringer("posture", evt.Posture))
		case progress.StageStats:
			fields = append(fields,
				zap.Int("total_channels", evt.Aggregates.TotalChannels),
				zap.Int64("total_subscribers", evt.Aggregates.TotalSubscribers),
				zap.Int("categories_scanned", evt.Aggregates.CategoriesScanned),
				zap.Int("active_scans", evt.Aggregates.ActiveScans),
			)
		case progress.StageExport:
			if evt.Export != nil {
				fields = append(fields, zap.String("export", evt.Export.Name), zap.Int("rows", evt.Export.Rows))
			}
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
