package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frapalyzer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "frapalyzer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "frapalyzer",
			Name:      "analyses_total",
			Help:      "FRAP analyses by caller and outcome.",
		},
		[]string{"source", "outcome"},
	)
	analysisDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "frapalyzer",
			Name:      "analysis_duration_seconds",
			Help:      "FRAP analysis duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)
	framesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "frapalyzer",
			Name:      "frames_read_total",
			Help:      "ND2 frame planes decoded for analysis.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, analyses, analysisDuration, framesRead)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordAnalysis counts one analysis. source names the caller: cli, batch,
// watch, http or mcp.
func RecordAnalysis(source string, duration time.Duration, err error) {
	RegisterMetrics()
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	analyses.WithLabelValues(source, outcome).Inc()
	analysisDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordFramesRead(n int) {
	RegisterMetrics()
	framesRead.Add(float64(n))
}
