package stats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channelscan/internal/scan"
)

func TestComputeEmpty(t *testing.T) {
	t.Parallel()

	require.Equal(t, scan.Aggregates{}, Compute(nil, nil))
}

func TestComputeCountsFromInputs(t *testing.T) {
	t.Parallel()

	channels := []scan.ChannelRecord{
		{Key: "t.me/a", Subscribers: 125000},
		{Key: "t.me/b", Subscribers: 89000},
		{Key: "t.me/c"},
	}
	jobs := []scan.ScanJob{
		{ID: "1", Category: "marketing", Status: scan.JobStatusCompleted},
		{ID: "2", Category: "marketing", Status: scan.JobStatusFailed},
		{ID: "3", Category: "marketing", Status: scan.JobStatusRunning},
		{ID: "4", Category: "pr", Status: scan.JobStatusRunning},
		{ID: "5", Category: "crypto", Status: scan.JobStatusFailed},
	}

	got := Compute(channels, jobs)
	require.Equal(t, scan.Aggregates{
		TotalChannels:     3,
		TotalSubscribers:  214000,
		CategoriesScanned: 2,
		ActiveScans:       2,
	}, got)
	require.Equal(t, got, Compute(channels, jobs))
}

func TestFromTotalsMatchesCompute(t *testing.T) {
	t.Parallel()

	channels := []scan.ChannelRecord{{Key: "t.me/a", Subscribers: 7}, {Key: "t.me/b", Subscribers: 3}}
	jobs := []scan.ScanJob{
		{ID: "1", Category: "Marketing", Status: scan.JobStatusCompleted},
		{ID: "2", Category: "pr", Status: scan.JobStatusRunning},
	}
	require.Equal(t, Compute(channels, jobs), FromTotals(2, 10, jobs))
}
