package coherence

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/reconciliation/internal/domain"
)

var (
	checksFinishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "coherence",
		Name:      "checks_finished_total",
		Help:      "Number of coherence checks finished grouped by kind and status.",
	}, []string{"kind", "status"})

	issuesDetectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "coherence",
		Name:      "issues_detected_total",
		Help:      "Issues emitted by the detectors grouped by type and severity.",
	}, []string{"type", "severity"})

	autoFixCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "coherence",
		Name:      "autofix_total",
		Help:      "Auto-fix attempts grouped by issue type and outcome.",
	}, []string{"type", "outcome"})
)

func init() {
	prometheus.MustRegister(checksFinishedCounter, issuesDetectedCounter, autoFixCounter)
}

func recordCheckFinished(check domain.CoherenceCheck) {
	checksFinishedCounter.WithLabelValues(string(check.Kind), string(check.Status)).Inc()
}

func recordIssue(issue domain.CoherenceIssue) {
	issuesDetectedCounter.WithLabelValues(string(issue.Type), string(issue.Severity)).Inc()
}

func recordAutoFix(t domain.IssueType, ok bool) {
	outcome := "fixed"
	if !ok {
		outcome = "deferred"
	}
	autoFixCounter.WithLabelValues(string(t), outcome).Inc()
}

// IssuesDetected exposes the detection counter for assertions.
func IssuesDetected(t domain.IssueType, severity domain.Severity) prometheus.Counter {
	return issuesDetectedCounter.WithLabelValues(string(t), string(severity))
}
