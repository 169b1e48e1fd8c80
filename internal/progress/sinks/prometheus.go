package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/channelscan/internal/progress"
	"github.com/JakeFAU/channelscan/internal/scan"
)

// PrometheusSink exports scan progress via Prometheus. Counters track job and
// discovery flow; gauges mirror the latest recomputed aggregates and posture.
type PrometheusSink struct {
	jobsStarted        prometheus.Counter
	jobsFinished       *prometheus.CounterVec
	jobRuntime         *prometheus.HistogramVec
	channelsDiscovered prometheus.Counter
	channelsRefreshed  prometheus.Counter
	exportsRecorded    prometheus.Counter

	totalChannels     prometheus.Gauge
	totalSubscribers  prometheus.Gauge
	categoriesScanned prometheus.Gauge
	activeScans       prometheus.Gauge
	posture           prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelscan_jobs_started_total",
			Help: "Total scan jobs admitted.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channelscan_jobs_finished_total",
			Help: "Total scan jobs that reached a terminal state, partitioned by status.",
		}, []string{"status"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "channelscan_job_runtime_seconds",
			Help:    "Wall time per finished scan job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		channelsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelscan_channels_discovered_total",
			Help: "Channels inserted into the registry for the first time.",
		}),
		channelsRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelscan_channels_refreshed_total",
			Help: "Re-discovered channels merged into existing registry records.",
		}),
		exportsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channelscan_exports_recorded_total",
			Help: "Export descriptors recorded.",
		}),
		totalChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelscan_registry_channels",
			Help: "Distinct channels in the registry.",
		}),
		totalSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelscan_registry_subscribers",
			Help: "Sum of subscriber counts across the registry.",
		}),
		categoriesScanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelscan_categories_scanned",
			Help: "Distinct categories with at least one finished job.",
		}),
		activeScans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelscan_active_scans",
			Help: "Scan jobs currently running.",
		}),
		posture: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channelscan_security_posture",
			Help: "Security posture level: 0 safe, 1 cloudflare, 2 captcha, 3 blocked.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobRuntime,
		s.channelsDiscovered,
		s.channelsRefreshed,
		s.exportsRecorded,
		s.totalChannels,
		s.totalSubscribers,
		s.categoriesScanned,
		s.activeScans,
		s.posture,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Gauges take the last value
// seen in the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
		case progress.StageJobBatch:
			s.channelsDiscovered.Add(float64(evt.Inserted))
			s.channelsRefreshed.Add(float64(evt.Updated))
		case progress.StageJobDone, progress.StageJobError:
			s.observeFinish(evt.Job)
		case progress.StagePosture:
			s.posture.Set(float64(evt.Posture))
		case progress.StageStats:
			s.totalChannels.Set(float64(evt.Aggregates.TotalChannels))
			s.totalSubscribers.Set(float64(evt.Aggregates.TotalSubscribers))
			s.categoriesScanned.Set(float64(evt.Aggregates.CategoriesScanned))
			s.activeScans.Set(float64(evt.Aggregates.ActiveScans))
		case progress.StageExport:
			s.exportsRecorded.Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) observeFinish(job scan.ScanJob) {
	label := string(job.Status)
	s.jobsFinished.WithLabelValues(label).Inc()
	if job.FinishedAt != nil {
		if dur := job.FinishedAt.Sub(job.StartedAt); dur > 0 {
			s.jobRuntime.WithLabelValues(label).Observe(dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
