package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/coordinator"
	"github.com/JakeFAU/channelscan/internal/posture"
	"github.com/JakeFAU/channelscan/internal/registry"
	"github.com/JakeFAU/channelscan/internal/scan"
	"github.com/JakeFAU/channelscan/internal/tracker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

func newTestCore(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	reg := registry.New(clock)
	core, err := coordinator.New(coordinator.Deps{
		Registry: reg,
		Tracker:  tracker.New(reg, clock, &fakeIDGen{}, nil),
		Posture:  posture.New(nil),
		Clock:    clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, core.Close(context.Background()))
	})
	return core
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(newTestCore(t), Options{}, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func startJob(t *testing.T, s *Server, category string) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/scans", fmt.Sprintf(`{"category":%q}`, category))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	adm := decodeBody[coordinator.Admission](t, rec)
	return adm.Job.ID
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/metrics", "").Code)
}

func TestServer_Readyz_ReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	s := NewServer(newTestCore(t), Options{Ready: func(context.Context) error {
		return errors.New("postgres unreachable")
	}}, zap.NewNop())
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz", "").Code)
}

func TestServer_StartScan_Validation(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/scans", "{invalid").Code)
	rec := do(t, s, http.MethodPost, "/v1/scans", `{"category":""}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "required")
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/scans", `{"category":"   "}`).Code)
}

func TestServer_StartScan_Conflict(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	startJob(t, s, "marketing")
	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/scans", `{"category":"Marketing"}`).Code)
}

func TestServer_CrawlerCallbackFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	jobID := startJob(t, s, "marketing")

	batch := `{"progress_delta":40,"channels":[
		{"link":"https://t.me/alpha","title":"Alpha","subscribers":100,"tags":["pr"]},
		{"link":"https://t.me/beta","subscribers":200,"verified":true},
		{"link":"@gamma","subscribers":300},
		{"link":"t.me/ALPHA","subscribers":150}
	]}`
	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", batch)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[scan.BatchResult](t, rec)
	require.Equal(t, 3, res.Inserted)
	require.Equal(t, 3, res.Job.ChannelsFound)
	require.Equal(t, 40, res.Job.Progress)

	rec = do(t, s, http.MethodPost, "/v1/posture/signals", `{"signal":"captcha"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"captcha"`)

	rec = do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/finish", `{"outcome":"completed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[scan.ScanJob](t, rec)
	require.Equal(t, 100, job.Progress)

	rec = do(t, s, http.MethodGet, "/v1/stats", "")
	agg := decodeBody[scan.Aggregates](t, rec)
	require.Equal(t, scan.Aggregates{TotalChannels: 3, TotalSubscribers: 650, CategoriesScanned: 1}, agg)

	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"progress_delta":1}`).Code)

	rec = do(t, s, http.MethodGet, "/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[coordinator.Snapshot](t, rec)
	require.Len(t, snap.Channels, 3)
	require.Equal(t, scan.PostureCaptcha, snap.Posture)
}

func TestServer_Batch_Errors(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	jobID := startJob(t, s, "news")

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/jobs/missing/batches", `{"progress_delta":1}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"progress_delta":101}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"channels":[{"link":""}]}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"channels":[{"link":"x","subscribers":-1}]}`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/finish", `{"outcome":"paused"}`).Code)
}

func TestServer_BlockedSignalLocksAdmission(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	jobID := startJob(t, s, "crypto")

	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"progress_delta":10,"signal":"blocked","channels":[{"link":"t.me/c"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v1/posture", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"blocked":true`)

	require.Equal(t, http.StatusLocked, do(t, s, http.MethodPost, "/v1/scans", `{"category":"news"}`).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/posture/reset", "").Code)
	startJob(t, s, "news")
}

type signalFailingCore struct {
	*coordinator.Coordinator
}

func (signalFailingCore) ReportSignal(context.Context, scan.Posture) (scan.Posture, error) {
	return 0, errors.New("posture store unavailable")
}

func TestServer_BatchLandsWhenSignalFails(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	s := NewServer(signalFailingCore{core}, Options{}, zap.NewNop())
	jobID := startJob(t, s, "crypto")

	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"progress_delta":10,"signal":"captcha","channels":[{"link":"t.me/c"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Inserted    int    `json:"inserted"`
		SignalError string `json:"signal_error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Inserted)
	require.Contains(t, body.SignalError, "posture store unavailable")

	job, err := core.Job(jobID)
	require.NoError(t, err)
	require.Equal(t, 1, job.ChannelsFound)
}

func TestServer_BadSignalRejectsBatchBeforeApplying(t *testing.T) {
	t.Parallel()

	core := newTestCore(t)
	s := NewServer(core, Options{}, zap.NewNop())
	jobID := startJob(t, s, "crypto")

	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"signal":"storm","channels":[{"link":"t.me/c"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	job, err := core.Job(jobID)
	require.NoError(t, err)
	require.Zero(t, job.ChannelsFound)
}

func TestServer_CancelJob(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	jobID := startJob(t, s, "pr")

	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[scan.ScanJob](t, rec)
	require.Equal(t, scan.JobStatusFailed, job.Status)
	require.Equal(t, scan.ReasonCancelled, job.Reason)

	require.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", `{"reason":"again"}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/jobs/nope/cancel", "").Code)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	first := startJob(t, s, "a")
	startJob(t, s, "b")
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/jobs/"+first+"/finish", `{"outcome":"failed","reason":"timeout"}`).Code)

	rec := do(t, s, http.MethodGet, "/v1/jobs?status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string][]scan.ScanJob](t, rec)
	require.Len(t, body["jobs"], 1)
	require.Equal(t, "b", body["jobs"][0].Category)

	rec = do(t, s, http.MethodGet, "/v1/jobs?limit=1", "")
	body = decodeBody[map[string][]scan.ScanJob](t, rec)
	require.Len(t, body["jobs"], 1)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/jobs?status=paused", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/jobs?limit=-1", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/jobs/"+first, "").Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/jobs/missing", "").Code)
}

func TestServer_Channels(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	jobID := startJob(t, s, "tech")
	rec := do(t, s, http.MethodPost, "/v1/jobs/"+jobID+"/batches", `{"progress_delta":50,"channels":[
		{"link":"https://t.me/small","subscribers":10,"tags":["dev"]},
		{"link":"https://t.me/big","subscribers":9000,"verified":true}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/channels?sort=subscribers", "")
	body := decodeBody[map[string][]scan.ChannelRecord](t, rec)
	require.Len(t, body["channels"], 2)
	require.Equal(t, "t.me/big", body["channels"][0].Key)

	rec = do(t, s, http.MethodGet, "/v1/channels?verified=true&job_id="+jobID, "")
	body = decodeBody[map[string][]scan.ChannelRecord](t, rec)
	require.Len(t, body["channels"], 1)

	rec = do(t, s, http.MethodGet, "/v1/channels/t.me/small", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ch := decodeBody[scan.ChannelRecord](t, rec)
	require.Equal(t, []string{"dev"}, ch.Tags)

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/channels/t.me/none", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/channels?sort=title", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/channels?verified=maybe", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/channels?min_subscribers=-4", "").Code)
}

func TestServer_Exports(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/v1/exports", `{"name":"channels.xlsx","size_bytes":2048,"rows":3,"checksum":"sha256:abc"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/exports", `{"rows":-1}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/exports", `{"name":"x","job_id":"nope"}`).Code)

	rec = do(t, s, http.MethodGet, "/v1/exports", "")
	body := decodeBody[map[string][]scan.ExportDescriptor](t, rec)
	require.Len(t, body["exports"], 1)
	require.Equal(t, "sha256:abc", body["exports"][0].Checksum)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()

	s := NewServer(newTestCore(t), Options{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/stats", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		scan.ErrValidation:        http.StatusBadRequest,
		scan.ErrUnknownJob:        http.StatusNotFound,
		scan.ErrNotFound:          http.StatusNotFound,
		scan.ErrAdmissionConflict: http.StatusConflict,
		scan.ErrInvalidTransition: http.StatusConflict,
		scan.ErrSecurityBlocked:   http.StatusLocked,
		coordinator.ErrClosed:     http.StatusServiceUnavailable,
		errors.New("boom"):        http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
