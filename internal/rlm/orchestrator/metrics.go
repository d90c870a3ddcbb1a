package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sessions counts finished sessions by depth class and status.
	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlmrepl_sessions_total",
		Help: "Finished sessions by kind (root or nested) and status.",
	}, []string{"kind", "status"})

	// iterations observes how many iterations a session used.
	iterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rlmrepl_session_iterations",
		Help:    "Iterations used per session.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	})

	// sessionDuration observes wall-clock time per session.
	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rlmrepl_session_duration_seconds",
		Help:    "Wall-clock duration of sessions.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func observeSession(s *Session) {
	kind := "root"
	if s.Depth > 0 {
		kind = "nested"
	}
	sessions.WithLabelValues(kind, string(s.Status)).Inc()
	iterations.Observe(float64(len(s.Iterations)))
	sessionDuration.Observe(s.Duration.Seconds())
}
