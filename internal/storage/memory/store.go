package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Store is an in-memory scan.Store used for development and tests.
type Store struct {
	mu       sync.RWMutex
	channels map[string]scan.ChannelRecord
	order    []string
	jobs     map[string]scan.ScanJob
	jobOrder []string
	appends  int
	closed   bool
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		channels: make(map[string]scan.ChannelRecord),
		jobs:     make(map[string]scan.ScanJob),
	}
}

// UpsertChannels replaces records by key, keeping first-insert order. Older
// records never replace newer ones.
func (s *Store) UpsertChannels(_ context.Context, records []scan.ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		prev, ok := s.channels[rec.Key]
		if !ok {
			s.order = append(s.order, rec.Key)
		} else if !rec.Supersedes(prev) {
			continue
		}
		s.channels[rec.Key] = rec.Clone()
	}
	return nil
}

// AppendJobLog keeps only each job's newest state. A terminal state is never
// replaced by a running one.
func (s *Store) AppendJobLog(_ context.Context, job scan.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	prev, ok := s.jobs[job.ID]
	if !ok {
		s.jobOrder = append(s.jobOrder, job.ID)
	} else if !job.Supersedes(prev) {
		return nil
	}
	s.jobs[job.ID] = job
	return nil
}

// LoadChannels returns stored channels in first-insert order.
func (s *Store) LoadChannels(context.Context) ([]scan.ChannelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.ChannelRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.channels[key].Clone())
	}
	return out, nil
}

// LoadJobs returns the latest state of each logged job.
func (s *Store) LoadJobs(context.Context) ([]scan.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.ScanJob, 0, len(s.jobOrder))
	for _, id := range s.jobOrder {
		out = append(out, s.jobs[id])
	}
	return out, nil
}

// LogLen reports how many job log entries were appended.
func (s *Store) LogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appends
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close marks the store closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
