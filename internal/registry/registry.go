// Package registry holds the deduplicated channel store.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Filter narrows and orders a List call. The zero value lists everything in
// first-insertion order.
type Filter struct {
	JobID             string
	Tag               string
	Verified          *bool
	MinSubscribers    int64
	SortBySubscribers bool
	Limit             int
}

// Registry is an in-memory channel store keyed by normalized link. It is safe
// for concurrent use: readers share the lock, each upsert batch holds it
// exclusively.
type Registry struct {
	mu          sync.RWMutex
	records     map[string]*scan.ChannelRecord
	order       []string
	subscribers int64
	clock       scan.Clock
}

// New constructs an empty Registry.
func New(clock scan.Clock) *Registry {
	return &Registry{
		records: make(map[string]*scan.ChannelRecord),
		clock:   clock,
	}
}

// UpsertMany merges records discovered by jobID. The whole batch is validated
// before anything is applied. Existing keys take the incoming subscriber
// count, tags, admin and verified flag; re-applying an identical batch
// inserts nothing.
func (r *Registry) UpsertMany(jobID string, records []scan.ChannelRecord) (scan.UpsertResult, error) {
	keys := make([]string, len(records))
	for i, rec := range records {
		key, err := validate(rec)
		if err != nil {
			return scan.UpsertResult{}, err
		}
		keys[i] = key
	}

	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var res scan.UpsertResult
	for i, rec := range records {
		key := keys[i]
		existing, ok := r.records[key]
		if !ok {
			stored := rec.Clone()
			stored.Key = key
			stored.Tags = dedupTags(rec.Tags)
			stored.DiscoveredBy = jobID
			stored.FirstSeen = now
			stored.LastSeen = now
			r.records[key] = &stored
			r.order = append(r.order, key)
			r.subscribers += stored.Subscribers
			res.Inserted++
			continue
		}
		r.subscribers += rec.Subscribers - existing.Subscribers
		merge(existing, rec, now)
		res.Updated++
	}
	return res, nil
}

func merge(dst *scan.ChannelRecord, src scan.ChannelRecord, now time.Time) {
	if src.Link != "" {
		dst.Link = src.Link
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Description != "" {
		dst.Description = src.Description
	}
	dst.Subscribers = src.Subscribers
	dst.Tags = dedupTags(src.Tags)
	dst.Admin = src.Admin
	dst.Verified = src.Verified
	dst.LastSeen = now
}

// Restore loads previously persisted records without counting them as
// discoveries. Records already present are left untouched.
func (r *Registry) Restore(records []scan.ChannelRecord) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := 0
	for _, rec := range records {
		key, err := validate(rec)
		if err != nil {
			return restored, fmt.Errorf("restore channel: %w", err)
		}
		if _, ok := r.records[key]; ok {
			continue
		}
		stored := rec.Clone()
		stored.Key = key
		r.records[key] = &stored
		r.order = append(r.order, key)
		r.subscribers += stored.Subscribers
		restored++
	}
	return restored, nil
}

// Get returns the record for a link or key.
func (r *Registry) Get(link string) (scan.ChannelRecord, error) {
	key := NormalizeKey(link)
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	if !ok {
		return scan.ChannelRecord{}, fmt.Errorf("channel %q: %w", key, scan.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Len returns the number of distinct channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Totals returns the channel count and the subscriber sum without copying
// any records.
func (r *Registry) Totals() (int, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order), r.subscribers
}

// List returns copies of the records matching the filter. Each call
// enumerates the current state from the start.
func (r *Registry) List(filter Filter) []scan.ChannelRecord {
	r.mu.RLock()
	out := make([]scan.ChannelRecord, 0, len(r.order))
	for _, key := range r.order {
		rec := r.records[key]
		if !filter.matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	if filter.SortBySubscribers {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Subscribers > out[j].Subscribers
		})
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (f Filter) matches(rec *scan.ChannelRecord) bool {
	if f.JobID != "" && rec.DiscoveredBy != f.JobID {
		return false
	}
	if f.Verified != nil && rec.Verified != *f.Verified {
		return false
	}
	if rec.Subscribers < f.MinSubscribers {
		return false
	}
	if f.Tag != "" {
		for _, tag := range rec.Tags {
			if tag == f.Tag {
				return true
			}
		}
		return false
	}
	return true
}
