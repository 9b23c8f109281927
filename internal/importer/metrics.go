package importer

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/reconciliation/internal/domain"
)

var (
	jobsFinishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "import",
		Name:      "jobs_finished_total",
		Help:      "Number of import jobs reaching a terminal status.",
	}, []string{"kind", "status"})

	recordsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "import",
		Name:      "records_total",
		Help:      "Presence records handled by import jobs grouped by outcome.",
	}, []string{"kind", "outcome"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciliation",
		Subsystem: "import",
		Name:      "job_duration_seconds",
		Help:      "Wall time between an import job starting and finishing.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(jobsFinishedCounter, recordsCounter, jobDuration)
}

func recordOutcome(kind domain.JobKind, o outcome) {
	recordsCounter.WithLabelValues(string(kind), string(o)).Inc()
}

func recordJobFinished(job domain.ImportJob) {
	jobsFinishedCounter.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	if job.StartedAt != nil && job.FinishedAt != nil {
		jobDuration.WithLabelValues(string(job.Kind)).Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
}

// JobsFinished exposes the terminal-status counter for assertions.
func JobsFinished(kind domain.JobKind, status domain.JobStatus) prometheus.Counter {
	return jobsFinishedCounter.WithLabelValues(string(kind), string(status))
}
