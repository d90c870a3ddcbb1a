package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rand/rlmrepl/internal/rlm/protocol"
)

var (
	// subCalls counts routed sub-calls by how they were served and outcome.
	subCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlmrepl_router_sub_calls_total",
		Help: "Sub-model calls routed, by kind and outcome",
	}, []string{"kind", "outcome"})

	// subCallDuration tracks end-to-end sub-call latency, nested sessions included.
	subCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlmrepl_router_sub_call_duration_seconds",
		Help:    "Sub-model call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	// tokens counts direct sub-call tokens per model.
	tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlmrepl_router_tokens_total",
		Help: "Tokens used by direct sub-call completions",
	}, []string{"model", "direction"})
)

func observe(kind protocol.CallKind, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	subCalls.WithLabelValues(string(kind), outcome).Inc()
	subCallDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
