package syncer

import (
	"github.com/prometheus/client_golang/prometheus"

	"example.com/reconciliation/internal/domain"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of sync runs grouped by direction and status.",
	}, []string{"direction", "status"})

	conflictsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciliation",
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Pairwise conflicts detected during sync runs grouped by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(runsCounter, conflictsCounter)
}

func recordRun(run domain.SyncRun) {
	runsCounter.WithLabelValues(string(run.Direction), string(run.Status)).Inc()
}

func recordConflict(c domain.SyncConflict) {
	conflictsCounter.WithLabelValues(string(c.Type)).Inc()
}

// Runs exposes the run counter for assertions.
func Runs(direction domain.SyncDirection, status domain.SyncRunStatus) prometheus.Counter {
	return runsCounter.WithLabelValues(string(direction), string(status))
}
