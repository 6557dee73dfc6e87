package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"fpupdate/services/updater/internal/workflow"
)

const namespace = "fpupdate"

// Recorder collects run metrics on a private registry. It satisfies
// workflow.Observer, download.Recorder and poller.Recorder.
type Recorder struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
	stateDuration *prometheus.HistogramVec
	downloads     *prometheus.CounterVec
	modeWait      *prometheus.HistogramVec
	modePolls     *prometheus.CounterVec

	pusher *push.Pusher
	logger zerolog.Logger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithPushgateway pushes the registry to url under job when a run finishes.
func WithPushgateway(url, job string) Option {
	return func(r *Recorder) {
		r.pusher = push.New(url, job).Gatherer(r.registry)
	}
}

// WithLogger sets the logger used to report push failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// NewRecorder registers all collectors.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished update runs by status.",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_failures_total",
			Help:      "Failed update runs by the state they failed in and error kind.",
		}, []string{"state", "error_kind"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by status.",
		}, []string{"status"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each completed workflow state.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 180, 600, 1800, 3600},
		}, []string{"state"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_attempts_total",
			Help:      "Download attempts by artifact kind and outcome.",
		}, []string{"kind", "outcome"}),
		modeWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mode_wait_seconds",
			Help:      "Time spent waiting for the device to reach a mode.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"mode", "reached"}),
		modePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_polls_total",
			Help:      "Device mode probes by target mode.",
		}, []string{"mode"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.runs, r.failures, r.lastRun, r.stateDuration, r.downloads, r.modeWait, r.modePolls,
	)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Gatherer exposes the registry for /metrics.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.registry }

// Observe implements workflow.Observer.
func (r *Recorder) Observe(ctx context.Context, evt workflow.Event) error {
	switch evt.Kind {
	case workflow.EventStateCompleted:
		r.stateDuration.WithLabelValues(string(evt.State)).Observe(evt.Duration.Seconds())
	case workflow.EventRunFinished:
		status := workflow.StatusSucceeded
		if evt.State == workflow.StateFailed {
			status = workflow.StatusFailed
			failed, _ := evt.Details["failed_state"].(string)
			r.failures.WithLabelValues(failed, evt.ErrorKind).Inc()
		}
		r.runs.WithLabelValues(status).Inc()
		r.lastRun.WithLabelValues(status).Set(float64(evt.At.Unix()))
		return r.Push(ctx)
	}
	return nil
}

// DownloadAttempt implements download.Recorder.
func (r *Recorder) DownloadAttempt(kind, outcome string) {
	r.downloads.WithLabelValues(kind, outcome).Inc()
}

// ModeWait implements poller.Recorder.
func (r *Recorder) ModeWait(target string, polls int, waited time.Duration, reached bool) {
	r.modePolls.WithLabelValues(target).Add(float64(polls))
	r.modeWait.WithLabelValues(target, strconv.FormatBool(reached)).Observe(waited.Seconds())
}

// Push sends the registry to the configured Pushgateway. It is a no-op
// without one.
func (r *Recorder) Push(ctx context.Context) error {
	if r.pusher == nil {
		return nil
	}
	if err := r.pusher.PushContext(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("push metrics failed")
		return err
	}
	return nil
}
