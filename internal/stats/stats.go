// Package stats derives summary counters from registry and job snapshots.
package stats

import (
	"strings"

	"github.com/JakeFAU/channelscan/internal/scan"
)

// Compute recomputes the aggregates from scratch. Categories are compared
// case-insensitively. Callers must pass snapshots taken from one cut.
func Compute(channels []scan.ChannelRecord, jobs []scan.ScanJob) scan.Aggregates {
	var subscribers int64
	for _, ch := range channels {
		subscribers += ch.Subscribers
	}
	return FromTotals(len(channels), subscribers, jobs)
}

// FromTotals builds the aggregates from registry totals that were already
// summed, such as registry.Registry.Totals.
func FromTotals(channels int, subscribers int64, jobs []scan.ScanJob) scan.Aggregates {
	agg := scan.Aggregates{TotalChannels: channels, TotalSubscribers: subscribers}
	scanned := make(map[string]struct{})
	for _, job := range jobs {
		switch {
		case job.Status == scan.JobStatusRunning:
			agg.ActiveScans++
		case job.Status.Terminal():
			scanned[strings.ToLower(strings.TrimSpace(job.Category))] = struct{}{}
		}
	}
	agg.CategoriesScanned = len(scanned)
	return agg
}
