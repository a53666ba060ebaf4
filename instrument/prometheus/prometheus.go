// Package prometheus provides a Prometheus implementation of
// instrument.Metrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/metrics-bridge/instrument"
)

// timer wraps a Prometheus observer to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) instrument.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1,
}

type metrics struct {
	queueDepth     prometheus.Gauge
	queuedTotal    prometheus.Counter
	flushedTotal   prometheus.Counter
	queuePanics    prometheus.Counter
	launchedTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	inboxDepth     prometheus.Gauge
	jobDuration    prometheus.Histogram
	nativeDuration *prometheus.HistogramVec
	nativeFailures *prometheus.CounterVec
	liveHandles    prometheus.Gauge
}

// New creates Prometheus metrics registered with reg.
func New(reg prometheus.Registerer) instrument.Metrics {
	m := &metrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metrics_bridge_preinit_queue_depth",
			Help: "Tasks waiting in the pre-initialization queue",
		}),
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrics_bridge_preinit_tasks_queued_total",
			Help: "Total number of tasks captured before initialization",
		}),
		flushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrics_bridge_preinit_tasks_flushed_total",
			Help: "Total number of captured tasks replayed by flush",
		}),
		queuePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrics_bridge_preinit_task_panics_total",
			Help: "Total number of captured tasks that panicked during flush",
		}),
		launchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_bridge_jobs_launched_total",
			Help: "Total number of launched jobs",
		}, []string{"mode"}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_bridge_jobs_completed_total",
			Help: "Total number of completed jobs by outcome",
		}, []string{"outcome"}),
		inboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metrics_bridge_worker_inbox_depth",
			Help: "Jobs waiting for the dispatcher worker",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metrics_bridge_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: defaultBuckets,
		}),
		nativeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metrics_bridge_native_call_duration_seconds",
			Help:    "Native boundary call time in seconds",
			Buckets: defaultBuckets,
		}, []string{"op"}),
		nativeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrics_bridge_native_failures_total",
			Help: "Total number of native calls that reported failure",
		}, []string{"op", "code"}),
		liveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metrics_bridge_live_handles",
			Help: "Native handles currently live",
		}),
	}

	reg.MustRegister(
		m.queueDepth,
		m.queuedTotal,
		m.flushedTotal,
		m.queuePanics,
		m.launchedTotal,
		m.completedTotal,
		m.inboxDepth,
		m.jobDuration,
		m.nativeDuration,
		m.nativeFailures,
		m.liveHandles,
	)

	return m
}

func (m *metrics) TaskQueued(depth int) {
	m.queuedTotal.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *metrics) TasksFlushed(n int) {
	m.flushedTotal.Add(float64(n))
	m.queueDepth.Set(0)
}

func (m *metrics) TaskPanicked() {
	m.queuePanics.Inc()
}

func (m *metrics) JobLaunched(mode string) {
	m.launchedTotal.WithLabelValues(mode).Inc()
}

func (m *metrics) JobCompleted(outcome string) {
	m.completedTotal.WithLabelValues(outcome).Inc()
}

func (m *metrics) InboxDepth(n int) {
	m.inboxDepth.Set(float64(n))
}

func (m *metrics) JobDuration() instrument.Timer {
	return newTimer(m.jobDuration)
}

func (m *metrics) NativeCall(op string) instrument.Timer {
	return newTimer(m.nativeDuration.WithLabelValues(op))
}

func (m *metrics) NativeFailure(op string, code int32) {
	m.nativeFailures.WithLabelValues(op, strconv.Itoa(int(code))).Inc()
}

func (m *metrics) LiveHandles(n int) {
	m.liveHandles.Set(float64(n))
}
