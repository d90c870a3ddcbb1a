package broker

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestDuration tracks broker request latency by route and status.
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rlmrepl_broker_request_duration_seconds",
		Help:    "Broker HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"method", "route", "status"})

	// jobEvents counts execute job lifecycle transitions.
	jobEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlmrepl_broker_job_events_total",
		Help: "Execute job lifecycle events",
	}, []string{"event"})

	// callEvents counts relayed call lifecycle transitions.
	callEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rlmrepl_broker_call_events_total",
		Help: "Relayed call lifecycle events",
	}, []string{"event"})

	// queueDepth is the number of live jobs and unanswered calls.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rlmrepl_broker_queue_depth",
		Help: "Live execute jobs and unanswered calls",
	}, []string{"kind"})
)

// instrument records request latency per matched route.
func instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
