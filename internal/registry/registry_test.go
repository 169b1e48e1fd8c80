package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channelscan/internal/scan"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestRegistry() *Registry {
	return New(fixedClock{now: time.Unix(1700000000, 0).UTC()})
}

func channel(link string, subs int64, tags ...string) scan.ChannelRecord {
	return scan.ChannelRecord{Link: link, Title: link, Subscribers: subs, Tags: tags}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://t.me/Example1":           "t.me/example1",
		"http://www.t.me/example1/":       "t.me/example1",
		"@Example1":                       "t.me/example1",
		"  https://telegram.me/example1 ": "t.me/example1",
		"t.me/example1?utm_source=x#top":  "t.me/example1",
		"":                                "",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeKey(in), "input %q", in)
	}
}

func TestUpsertManyDedupsAndCountsNewKeys(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	res, err := reg.UpsertMany("job-1", []scan.ChannelRecord{
		channel("https://t.me/a", 10),
		channel("https://t.me/b", 20),
		channel("https://t.me/c", 30),
		channel("HTTPS://T.ME/A/", 15),
	})
	require.NoError(t, err)
	require.Equal(t, scan.UpsertResult{Inserted: 3, Updated: 1}, res)
	require.Equal(t, 3, reg.Len())

	rec, err := reg.Get("@a")
	require.NoError(t, err)
	require.Equal(t, int64(15), rec.Subscribers)
	require.Equal(t, "job-1", rec.DiscoveredBy)
}

func TestUpsertManyIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	batch := []scan.ChannelRecord{channel("t.me/a", 1, "x"), channel("t.me/b", 2)}
	first, err := reg.UpsertMany("job-1", batch)
	require.NoError(t, err)
	require.Equal(t, 2, first.Inserted)

	before := reg.List(Filter{})
	second, err := reg.UpsertMany("job-1", batch)
	require.NoError(t, err)
	require.Equal(t, 0, second.Inserted)
	require.Equal(t, before, reg.List(Filter{}))
}

func TestUpsertManyLastWriteWins(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.UpsertMany("job-1", []scan.ChannelRecord{{
		Link: "t.me/a", Title: "Alpha", Description: "first", Subscribers: 100,
		Tags: []string{"pr"}, Admin: "@old", Verified: true,
	}})
	require.NoError(t, err)
	_, err = reg.UpsertMany("job-2", []scan.ChannelRecord{{
		Link: "t.me/a", Subscribers: 250, Tags: []string{"marketing", "marketing", "smm"}, Admin: "@new",
	}})
	require.NoError(t, err)

	rec, err := reg.Get("t.me/a")
	require.NoError(t, err)
	require.Equal(t, "Alpha", rec.Title)
	require.Equal(t, "first", rec.Description)
	require.Equal(t, int64(250), rec.Subscribers)
	require.Equal(t, []string{"marketing", "smm"}, rec.Tags)
	require.Equal(t, "@new", rec.Admin)
	require.False(t, rec.Verified)
	require.Equal(t, "job-1", rec.DiscoveredBy)
}

func TestUpsertManyRejectsInvalidBatchWithoutApplying(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.UpsertMany("job-1", []scan.ChannelRecord{
		channel("t.me/a", 1),
		{Title: "no link"},
	})
	require.ErrorIs(t, err, scan.ErrValidation)
	require.Equal(t, 0, reg.Len())

	_, err = reg.UpsertMany("job-1", []scan.ChannelRecord{channel("t.me/b", -1)})
	require.ErrorIs(t, err, scan.ErrValidation)
	require.Equal(t, 0, reg.Len())
}

func TestFinalSizeIndependentOfBatching(t *testing.T) {
	t.Parallel()

	var all []scan.ChannelRecord
	for i := 0; i < 20; i++ {
		all = append(all, channel(fmt.Sprintf("t.me/ch%d", i%13), int64(i)))
	}
	for _, size := range []int{1, 3, 7, 20} {
		reg := newTestRegistry()
		for start := 0; start < len(all); start += size {
			end := start + size
			if end > len(all) {
				end = len(all)
			}
			_, err := reg.UpsertMany("job", all[start:end])
			require.NoError(t, err)
		}
		require.Equal(t, 13, reg.Len(), "batch size %d", size)
	}
}

func TestConcurrentUpsertsCountEachKeyOnce(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, err := reg.UpsertMany("job", []scan.ChannelRecord{channel(fmt.Sprintf("t.me/%d", i), 1)})
				if err != nil {
					t.Errorf("UpsertMany() error = %v", err)
					return
				}
				mu.Lock()
				inserted += res.Inserted
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, inserted)
	require.Equal(t, 50, reg.Len())
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	_, err := newTestRegistry().Get("t.me/none")
	require.ErrorIs(t, err, scan.ErrNotFound)
}

func TestListFiltersAndSorts(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.UpsertMany("job-1", []scan.ChannelRecord{
		channel("t.me/a", 5, "pr"),
		channel("t.me/b", 50, "marketing"),
	})
	require.NoError(t, err)
	verified := scan.ChannelRecord{Link: "t.me/c", Subscribers: 500, Tags: []string{"pr"}, Verified: true}
	_, err = reg.UpsertMany("job-2", []scan.ChannelRecord{verified})
	require.NoError(t, err)

	keys := func(recs []scan.ChannelRecord) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.Key)
		}
		return out
	}

	require.Equal(t, []string{"t.me/a", "t.me/b", "t.me/c"}, keys(reg.List(Filter{})))
	require.Equal(t, []string{"t.me/c", "t.me/b", "t.me/a"}, keys(reg.List(Filter{SortBySubscribers: true})))
	require.Equal(t, []string{"t.me/a", "t.me/b"}, keys(reg.List(Filter{JobID: "job-1"})))
	require.Equal(t, []string{"t.me/a", "t.me/c"}, keys(reg.List(Filter{Tag: "pr"})))
	yes := true
	require.Equal(t, []string{"t.me/c"}, keys(reg.List(Filter{Verified: &yes})))
	require.Equal(t, []string{"t.me/b", "t.me/c"}, keys(reg.List(Filter{MinSubscribers: 50})))
	require.Equal(t, []string{"t.me/c"}, keys(reg.List(Filter{SortBySubscribers: true, Limit: 1})))

	listed := reg.List(Filter{})
	listed[0].Tags[0] = "mutated"
	rec, err := reg.Get("t.me/a")
	require.NoError(t, err)
	require.Equal(t, []string{"pr"}, rec.Tags)
}

func TestRestoreSkipsKnownKeys(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.UpsertMany("job-1", []scan.ChannelRecord{channel("t.me/a", 5)})
	require.NoError(t, err)

	n, err := reg.Restore([]scan.ChannelRecord{
		{Key: "t.me/a", Subscribers: 1},
		{Key: "t.me/z", Link: "https://t.me/z", Subscribers: 9, DiscoveredBy: "old"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, err := reg.Get("t.me/z")
	require.NoError(t, err)
	require.Equal(t, "old", rec.DiscoveredBy)
	a, err := reg.Get("t.me/a")
	require.NoError(t, err)
	require.Equal(t, int64(5), a.Subscribers)
}

func TestTotalsTrackSubscriberChanges(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry()
	_, err := reg.UpsertMany("job-1", []scan.ChannelRecord{
		channel("https://t.me/a", 10),
		channel("https://t.me/b", 20),
	})
	require.NoError(t, err)
	_, err = reg.UpsertMany("job-2", []scan.ChannelRecord{channel("@a", 4)})
	require.NoError(t, err)
	_, err = reg.Restore([]scan.ChannelRecord{channel("https://t.me/c", 100), channel("https://t.me/b", 999)})
	require.NoError(t, err)

	count, subscribers := reg.Totals()
	require.Equal(t, 3, count)
	require.Equal(t, int64(124), subscribers)

	var listed int64
	for _, rec := range reg.List(Filter{}) {
		listed += rec.Subscribers
	}
	require.Equal(t, listed, subscribers)
}
