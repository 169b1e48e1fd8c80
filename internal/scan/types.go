// Package scan defines the domain types and ports shared by the scan core.
package scan

import "time"

// JobStatus represents the lifecycle state of a scan job.
type JobStatus string

// Job status values. A job is created running; completed and failed are terminal.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Outcome is the terminal result a crawler reports for a job.
type Outcome string

// Supported outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Status maps the outcome to its terminal job status.
func (o Outcome) Status() (JobStatus, bool) {
	switch o {
	case OutcomeCompleted:
		return JobStatusCompleted, true
	case OutcomeFailed:
		return JobStatusFailed, true
	default:
		return "", false
	}
}

// Failure reasons recorded by the core itself.
const (
	ReasonCancelled   = "cancelled"
	ReasonStalled     = "stalled"
	ReasonInterrupted = "interrupted"
)

// ScanJob is one execution of crawling a category for channel listings.
type ScanJob struct {
	ID            string     `json:"id"`
	Category      string     `json:"category"`
	Tag           string     `json:"tag,omitempty"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	ChannelsFound int        `json:"channels_found"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Supersedes reports whether j is at least as new as prev. A terminal state
// is never superseded by a running one.
func (j ScanJob) Supersedes(prev ScanJob) bool {
	switch {
	case prev.Status.Terminal() && !j.Status.Terminal():
		return false
	case j.Status.Terminal() && !prev.Status.Terminal():
		return true
	default:
		return !j.UpdatedAt.Before(prev.UpdatedAt)
	}
}

// ChannelRecord is a deduplicated entry describing one discovered channel.
type ChannelRecord struct {
	Key          string    `json:"key"`
	Link         string    `json:"link"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Subscribers  int64     `json:"subscribers"`
	Tags         []string  `json:"tags"`
	Admin        string    `json:"admin,omitempty"`
	Verified     bool      `json:"verified"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Clone returns a copy that shares no slices with r.
func (r ChannelRecord) Clone() ChannelRecord {
	cp := r
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	return cp
}

// Supersedes reports whether r was merged no earlier than prev.
func (r ChannelRecord) Supersedes(prev ChannelRecord) bool {
	return !r.LastSeen.Before(prev.LastSeen)
}

// Aggregates are the summary counters derived from the registry and job set.
type Aggregates struct {
	TotalChannels     int   `json:"total_channels"`
	TotalSubscribers  int64 `json:"total_subscribers"`
	CategoriesScanned int   `json:"categories_scanned"`
	ActiveScans       int   `json:"active_scans"`
}

// ExportDescriptor describes a file produced by an export collaborator.
type ExportDescriptor struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	Rows      int       `json:"rows"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	JobID     string    `json:"job_id,omitempty"`
}

// ScanRequest is the caller's request to scan a category.
type ScanRequest struct {
	Category string `json:"category"`
	Tag      string `json:"tag,omitempty"`
}

// BatchResult summarizes one applied crawler batch.
type BatchResult struct {
	Job      ScanJob `json:"job"`
	Inserted int     `json:"inserted"`
	Updated  int     `json:"updated"`
}

// UpsertResult reports how a batch of records landed in the registry.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}
