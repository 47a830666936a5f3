// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webchat_proxy"

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Jobs waiting for the worker, excluding the one in flight.",
	})
	sessionAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_alive",
		Help:      "1 when the automation session is believed alive.",
	})
	sessionLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_launches_total",
		Help:      "Automation session constructions, by whether it was a restart.",
	}, []string{"restart"})
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Finished jobs by kind and outcome.",
	}, []string{"kind", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Time from dispatch to terminal state.",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 180, 300},
	}, []string{"kind"})
	completionPolls = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "completion_polls",
		Help:      "Polls needed to detect completion.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
	})
	mediaSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_saved_total",
		Help:      "Images materialized into the media directory.",
	})
	mediaFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_save_failures_total",
		Help:      "Images that could not be saved; the reply degraded to text.",
	})
	mediaEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "media_evicted_total",
		Help:      "Images removed by the retention sweeper.",
	})
	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_rejected_total",
		Help:      "Requests refused before reaching the queue, by reason.",
	}, []string{"reason"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the current backlog.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetSessionAlive records session liveness.
func SetSessionAlive(alive bool) {
	if alive {
		sessionAlive.Set(1)
		return
	}
	sessionAlive.Set(0)
}

// RecordLaunch counts a session construction.
func RecordLaunch(restart bool) {
	label := "false"
	if restart {
		label = "true"
	}
	sessionLaunches.WithLabelValues(label).Inc()
}

// RecordJob counts a finished job. outcome is "ok" or an error kind.
func RecordJob(kind, outcome string, elapsed time.Duration) {
	jobsTotal.WithLabelValues(kind, outcome).Inc()
	if elapsed > 0 {
		jobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

// RecordPolls observes the polls a completed job needed.
func RecordPolls(n int) {
	completionPolls.Observe(float64(n))
}

// RecordMediaSaved counts a stored image.
func RecordMediaSaved() { mediaSaved.Inc() }

// RecordMediaFailed counts an image that could not be stored.
func RecordMediaFailed() { mediaFailed.Inc() }

// RecordMediaEvicted counts an image removed by retention.
func RecordMediaEvicted() { mediaEvicted.Inc() }

// RecordRejected counts a request refused at admission.
func RecordRejected(reason string) {
	rejected.WithLabelValues(reason).Inc()
}
