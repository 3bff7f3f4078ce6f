// Package metrics provides Prometheus metrics for the generation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiskd_tasks_completed_total",
			Help: "Total number of tasks that finished with saved output",
		},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiskd_tasks_failed_total",
			Help: "Total number of tasks that ended in an error state",
		},
		[]string{"reason"},
	)
	TasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiskd_tasks_retried_total",
			Help: "Total number of tasks resubmitted by the auto-retry scheduler",
		},
	)
	TokensReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiskd_captcha_tokens_received_total",
			Help: "Total number of captcha tokens posted to the bridge",
		},
		[]string{"channel"},
	)
	TokensDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whiskd_captcha_tokens_dropped_total",
			Help: "Total number of captcha tokens dropped on a full channel",
		},
		[]string{"channel"},
	)
	Submissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whiskd_generation_submissions_total",
			Help: "Total number of generation requests submitted upstream",
		},
	)
	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whiskd_tasks_running",
			Help: "Number of tasks currently executing",
		},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whiskd_task_duration_seconds",
			Help:    "Wall-clock task duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 480, 600},
		},
		[]string{"status"},
	)
)

func RecordTaskCompleted(duration time.Duration) {
	TasksCompleted.Inc()
	TaskDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

func RecordTaskFailed(reason string, duration time.Duration) {
	TasksFailed.WithLabelValues(reason).Inc()
	TaskDuration.WithLabelValues("error").Observe(duration.Seconds())
}
