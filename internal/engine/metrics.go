package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"solarline/internal/domain"
)

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarline_sync_runs_total",
		Help: "Project sync passes by result",
	}, []string{"result"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarline_milestone_transitions_total",
		Help: "Persisted milestone transitions by direction and provenance",
	}, []string{"direction", "provenance"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarline_sync_duration_seconds",
		Help:    "Duration of one project sync pass including persistence",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

func direction(completed bool) string {
	if completed {
		return "completed"
	}
	return "revoked"
}

func countTransitions(changes []domain.Change) {
	for _, c := range changes {
		transitions.WithLabelValues(direction(c.To), c.Provenance).Inc()
	}
}
