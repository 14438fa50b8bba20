package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method and status.",
	}, []string{"method", "status"})

	metricChatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paddock",
		Name:      "chat_duration_seconds",
		Help:      "Wall time of chat exchanges, runtime call included.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricQuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "quota_rejections_total",
		Help:      "Chat requests rejected by the daily quota.",
	})

	metricSupervisorRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "supervisor_restarts_total",
		Help:      "Successful worker restarts triggered through the admin API.",
	})
)

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// metricsMiddleware counts every request by method and final status.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metricRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func observeChatDuration(start time.Time) {
	metricChatDuration.Observe(time.Since(start).Seconds())
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
