package scan

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests for export descriptors.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ResultSink receives crawler output for a job. The crawler makes zero or more
// ApplyBatch calls, exactly one Finish call, and any number of ReportSignal calls.
type ResultSink interface {
	ApplyBatch(ctx context.Context, jobID string, records []ChannelRecord, progressDelta int) (BatchResult, error)
	Finish(ctx context.Context, jobID string, outcome Outcome, reason string) (ScanJob, error)
	ReportSignal(ctx context.Context, signal Posture) (Posture, error)
}

// Crawler is the external collaborator that collects channels for a job.
// Crawl may block for the lifetime of the crawl or return once the work has
// been handed off; a non-nil error fails the job if it is still running.
type Crawler interface {
	Crawl(ctx context.Context, job ScanJob, sink ResultSink) error
}

// Publisher pushes messages to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Store is the optional persistence collaborator: channels are upserted by
// identity key and job state changes are appended to a log.
type Store interface {
	UpsertChannels(ctx context.Context, records []ChannelRecord) error
	AppendJobLog(ctx context.Context, job ScanJob) error
	LoadChannels(ctx context.Context) ([]ChannelRecord, error)
	LoadJobs(ctx context.Context) ([]ScanJob, error)
	Close()
}
