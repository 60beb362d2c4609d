package service

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gt-insights/enrollment-api/internal/models"
)

// QueueDepthFunc reports how many notices are waiting on the queue.
type QueueDepthFunc func(ctx context.Context) (int64, error)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// job pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	jobsSubmitted   prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsDeadLetter  prometheus.Counter
	jobDuration     prometheus.Histogram
	dbQueryDuration *prometheus.HistogramVec
}

// NewMetricsService registers core Prometheus collectors. queueDepth may be
// nil when no broker gauge is available.
func NewMetricsService(queueDepth QueueDepthFunc) *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	jobsSubmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_jobs_submitted_total",
		Help: "Total enrollment jobs accepted",
	})

	jobsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_jobs_finished_total",
		Help: "Total enrollment jobs that reached a terminal state",
	}, []string{"status"})

	jobsDeadLetter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_jobs_dead_lettered_total",
		Help: "Total enrollment job notices moved to the dead-letter queue",
	})

	jobDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enrollment_job_duration_seconds",
		Help:    "Wall-clock duration of enrollment job processing",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	collectors := []prometheus.Collector{
		requestDuration, requestTotal, jobsSubmitted, jobsFinished,
		jobsDeadLetter, jobDuration, dbQueryDuration, goroutines,
	}

	if queueDepth != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "enrollment_queue_depth",
			Help: "Pending notices on the job queue",
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			depth, err := queueDepth(ctx)
			if err != nil {
				return -1
			}
			return float64(depth)
		}))
	}

	registry.MustRegister(collectors...)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		jobsSubmitted:   jobsSubmitted,
		jobsFinished:    jobsFinished,
		jobsDeadLetter:  jobsDeadLetter,
		jobDuration:     jobDuration,
		dbQueryDuration: dbQueryDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordJobSubmitted counts an accepted job.
func (m *MetricsService) RecordJobSubmitted() {
	if m == nil {
		return
	}
	m.jobsSubmitted.Inc()
}

// RecordJobFinished counts a terminal transition and its duration.
func (m *MetricsService) RecordJobFinished(status models.JobStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(status)).Inc()
	if duration > 0 {
		m.jobDuration.Observe(duration.Seconds())
	}
}

// RecordDeadLetter counts a notice moved to the dead-letter queue.
func (m *MetricsService) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.jobsDeadLetter.Inc()
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}
