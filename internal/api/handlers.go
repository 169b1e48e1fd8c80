package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/channelscan/internal/registry"
	"github.com/JakeFAU/channelscan/internal/scan"
	"github.com/JakeFAU/channelscan/internal/tracker"
)

const (
	defaultJobLimit     = 50
	maxJobLimit         = 500
	defaultChannelLimit = 100
	maxChannelLimit     = 1000
)

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	adm, err := s.core.StartScan(r.Context(), scan.ScanRequest{Category: req.Category, Tag: req.Tag})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, adm)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.core.RefreshAll(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// listJobs handles GET /v1/jobs?status=&category=&limit=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	filter := tracker.Filter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Limit:    limit,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := scan.JobStatus(strings.ToLower(raw))
		if !status.Valid() {
			s.writeFailure(w, r, fmt.Errorf("%w: invalid status %q", scan.ErrValidation, raw))
			return
		}
		filter.Status = status
	}
	jobs := s.core.Jobs(filter)
	if jobs == nil {
		jobs = []scan.ScanJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.core.Job(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := s.decodeOptional(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.core.Cancel(r.Context(), chi.URLParam(r, "job_id"), req.Reason)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// applyBatch handles crawler batch callbacks. An optional signal is reported
// to the posture after the batch lands. Once the batch is applied the
// response is 200; a signal that could not be recorded is reported in
// signal_error so crawlers do not resend the batch.
func (s *Server) applyBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	var signal scan.Posture
	if req.Signal != "" {
		parsed, err := scan.ParsePosture(req.Signal)
		if err != nil {
			s.writeFailure(w, r, fmt.Errorf("%w: %v", scan.ErrValidation, err))
			return
		}
		signal = parsed
	}
	records := make([]scan.ChannelRecord, 0, len(req.Channels))
	for _, ch := range req.Channels {
		records = append(records, ch.record())
	}
	jobID := chi.URLParam(r, "job_id")
	res, err := s.core.ApplyBatch(r.Context(), jobID, records, req.ProgressDelta)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	resp := batchResponse{BatchResult: res}
	if req.Signal != "" {
		if _, err := s.core.ReportSignal(r.Context(), signal); err != nil {
			s.logger.Warn("signal not recorded after batch",
				zap.String("job_id", jobID),
				zap.String("signal", req.Signal),
				zap.Error(err),
			)
			resp.SignalError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) finishJob(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	job, err := s.core.Finish(r.Context(), chi.URLParam(r, "job_id"), scan.Outcome(req.Outcome), req.Reason)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// listChannels handles GET /v1/channels?job_id=&tag=&verified=&min_subscribers=&sort=subscribers&limit=.
func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(r, defaultChannelLimit, maxChannelLimit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	filter := registry.Filter{
		JobID: strings.TrimSpace(q.Get("job_id")),
		Tag:   strings.TrimSpace(q.Get("tag")),
		Limit: limit,
	}
	if raw := q.Get("verified"); raw != "" {
		verified, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeFailure(w, r, fmt.Errorf("%w: verified must be a boolean", scan.ErrValidation))
			return
		}
		filter.Verified = &verified
	}
	if raw := q.Get("min_subscribers"); raw != "" {
		minSubs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || minSubs < 0 {
			s.writeFailure(w, r, fmt.Errorf("%w: min_subscribers must be a non-negative integer", scan.ErrValidation))
			return
		}
		filter.MinSubscribers = minSubs
	}
	switch sortBy := q.Get("sort"); sortBy {
	case "", "discovered":
	case "subscribers":
		filter.SortBySubscribers = true
	default:
		s.writeFailure(w, r, fmt.Errorf("%w: unsupported sort %q", scan.ErrValidation, sortBy))
		return
	}
	channels := s.core.Channels(filter)
	if channels == nil {
		channels = []scan.ChannelRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

// getChannel handles GET /v1/channels/{key}; keys contain slashes, so the
// route is a wildcard.
func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if strings.TrimSpace(key) == "" {
		s.writeFailure(w, r, fmt.Errorf("%w: channel key is required", scan.ErrValidation))
		return
	}
	rec, err := s.core.Channel(key)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Aggregates())
}

func (s *Server) getPosture(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newPostureResponse(s.core.Posture()))
}

func (s *Server) reportSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	signal, err := scan.ParsePosture(req.Signal)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	state, err := s.core.ReportSignal(r.Context(), signal)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPostureResponse(state))
}

func (s *Server) resetPosture(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newPostureResponse(s.core.ResetPosture(r.Context())))
}

func (s *Server) listExports(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"exports": s.core.Exports()})
}

func (s *Server) recordExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := s.decode(r, &req); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	desc, err := s.core.RecordExport(r.Context(), scan.ExportDescriptor{
		Name:      req.Name,
		SizeBytes: req.SizeBytes,
		Rows:      req.Rows,
		Checksum:  req.Checksum,
		CreatedAt: req.CreatedAt,
		JobID:     req.JobID,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

// decodeOptional accepts an empty body.
func (s *Server) decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return s.decode(r, dst)
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", scan.ErrValidation)
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}
