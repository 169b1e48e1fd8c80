package scan

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostureRoundTripsThroughJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(map[string]Posture{"posture": PostureCaptcha})
	require.NoError(t, err)
	require.JSONEq(t, `{"posture":"captcha"}`, string(raw))

	var decoded map[string]Posture
	require.NoError(t, json.Unmarshal([]byte(`{"posture":" Blocked "}`), &decoded))
	require.Equal(t, PostureBlocked, decoded["posture"])
	require.True(t, decoded["posture"].Blocks())
	require.False(t, PostureCaptcha.Blocks())
}

func TestParsePostureRejectsUnknown(t *testing.T) {
	t.Parallel()

	_, err := ParsePosture("recaptcha")
	require.True(t, errors.Is(err, ErrValidation))
	require.Equal(t, "posture(9)", Posture(9).String())
}

func TestOutcomeStatus(t *testing.T) {
	t.Parallel()

	status, ok := OutcomeCompleted.Status()
	require.True(t, ok)
	require.Equal(t, JobStatusCompleted, status)
	require.True(t, status.Terminal())

	_, ok = Outcome("paused").Status()
	require.False(t, ok)
	require.False(t, JobStatusRunning.Terminal())
	require.False(t, JobStatus("queued").Valid())
}

func TestChannelRecordCloneCopiesTags(t *testing.T) {
	t.Parallel()

	orig := ChannelRecord{Key: "t.me/a", Tags: []string{"pr"}}
	cp := orig.Clone()
	cp.Tags[0] = "ads"
	require.Equal(t, "pr", orig.Tags[0])
}

func TestScanJobSupersedes(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0).UTC()
	running := ScanJob{ID: "job-1", Status: JobStatusRunning, UpdatedAt: t0.Add(time.Minute)}
	cancelled := ScanJob{ID: "job-1", Status: JobStatusFailed, Reason: ReasonCancelled, UpdatedAt: t0}

	require.False(t, running.Supersedes(cancelled))
	require.True(t, cancelled.Supersedes(running))

	earlier := ScanJob{ID: "job-1", Status: JobStatusRunning, UpdatedAt: t0}
	require.True(t, running.Supersedes(earlier))
	require.False(t, earlier.Supersedes(running))
	require.True(t, earlier.Supersedes(earlier))
}

func TestChannelRecordSupersedes(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1700000000, 0).UTC()
	older := ChannelRecord{Key: "t.me/a", LastSeen: t0}
	newer := ChannelRecord{Key: "t.me/a", LastSeen: t0.Add(time.Second)}
	require.True(t, newer.Supersedes(older))
	require.False(t, older.Supersedes(newer))
}
