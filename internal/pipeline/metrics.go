package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	subsystem = "bojpdf"

	jobsSubmittedTotal = "jobs_submitted_total"
	jobsFinishedTotal  = "jobs_finished_total"
	itemsTotal         = "items_total"
	jobDurationSeconds = "job_duration_seconds"

	stateLabel   = "state"
	outcomeLabel = "outcome"

	outcomeRendered     = "rendered"
	outcomeFetchFailed  = "fetch_failed"
	outcomeRenderFailed = "render_failed"
)

var jobsSubmittedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsSubmittedTotal,
		Help:      "number of accepted job submissions",
	},
)

var jobsFinishedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal state",
	},
	[]string{stateLabel},
)

var itemsMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      itemsTotal,
		Help:      "number of processed problems by outcome",
	},
	[]string{outcomeLabel},
)

var jobDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      jobDurationSeconds,
		Help:      "time from pickup to terminal state",
		Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{stateLabel},
)

func increaseJobsSubmitted() {
	jobsSubmittedMetric.Inc()
}

func observeJobFinished(state string, elapsed time.Duration) {
	labels := prometheus.Labels{stateLabel: state}
	jobsFinishedMetric.With(labels).Inc()
	jobDurationMetric.With(labels).Observe(elapsed.Seconds())
}

func increaseItems(outcome string) {
	itemsMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
}

func init() {
	prometheus.MustRegister(jobsSubmittedMetric)
	prometheus.MustRegister(jobsFinishedMetric)
	prometheus.MustRegister(itemsMetric)
	prometheus.MustRegister(jobDurationMetric)
}
