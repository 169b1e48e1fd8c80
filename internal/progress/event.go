package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Stage denotes the kind of change an Event reports.
type Stage string

// Supported stages.
const (
	StageJobStart Stage = "JOB_START"
	StageJobBatch Stage = "JOB_BATCH"
	StageJobDone  Stage = "JOB_DONE"
	StageJobError Stage = "JOB_ERROR"
	StagePosture  Stage = "POSTURE"
	StageStats    Stage = "STATS"
	StageExport   Stage = "EXPORT"
)

// Event captures one change in the scan core.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which change occurred.
	Stage Stage
	// Job is the job state after the change, for job stages.
	Job scan.ScanJob
	// Channels holds the merged registry records touched by a batch.
	Channels []scan.ChannelRecord
	// Inserted and Updated count how a batch landed in the registry.
	Inserted int
	Updated  int
	// Posture is the state after a posture change.
	Posture scan.Posture
	// Aggregates is the recomputed summary for stats events.
	Aggregates scan.Aggregates
	// Export is the recorded descriptor for export events.
	Export *scan.ExportDescriptor
	// Note lets emitters attach low-volume context (e.g. failure reason).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobBatch, StageJobDone, StageJobError:
		if e.Job.ID == "" {
			return fmt.Errorf("%s requires a job", e.Stage)
		}
	case StagePosture, StageStats:
	case StageExport:
		if e.Export == nil {
			return errors.New("export event requires a descriptor")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Inserted < 0 || e.Updated < 0 {
		return errors.New("batch counts must be >= 0")
	}
	return nil
}

// JobEvent builds the event matching a job's state after a change.
func JobEvent(ts time.Time, job scan.ScanJob) Event {
	stage := StageJobStart
	switch job.Status {
	case scan.JobStatusCompleted:
		stage = StageJobDone
	case scan.JobStatusFailed:
		stage = StageJobError
	}
	return Event{TS: ts, Stage: stage, Job: job, Note: job.Reason}
}
