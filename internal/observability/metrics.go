package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the health server and stage workers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	stageMessagesTotal   *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	workerInflight       *prometheus.GaugeVec
	externalRetriesTotal *prometheus.CounterVec
	batchesFinishedTotal *prometheus.CounterVec
	publishedTotal       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sendit",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sendit",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		stageMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sendit",
				Name:      "stage_messages_total",
				Help:      "Total number of stage messages handled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sendit",
				Name:      "stage_duration_seconds",
				Help:      "Stage handler duration in seconds grouped by stage.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"stage"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sendit",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight stage handlers grouped by stage.",
			},
			[]string{"stage"},
		),
		externalRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sendit",
				Name:      "external_retries_total",
				Help:      "Total number of retried calls to external services.",
			},
			[]string{"target"},
		),
		batchesFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sendit",
				Name:      "batches_finished_total",
				Help:      "Total number of batches that reached a terminal status.",
			},
			[]string{"status"},
		),
		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sendit",
				Name:      "stage_published_total",
				Help:      "Total number of stage messages published by target stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.stageMessagesTotal,
		m.stageDuration,
		m.workerInflight,
		m.externalRetriesTotal,
		m.batchesFinishedTotal,
		m.publishedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncStageMessage(stage string, outcome string) {
	if m == nil {
		return
	}
	m.stageMessagesTotal.WithLabelValues(normalizeLabel(stage), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) ObserveStageDuration(stage string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(stage string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(stage)).Inc()
}

func (m *Metrics) DecWorkerInFlight(stage string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizeLabel(stage)).Dec()
}

func (m *Metrics) IncRetry(target string) {
	if m == nil {
		return
	}
	m.externalRetriesTotal.WithLabelValues(normalizeLabel(target)).Inc()
}

func (m *Metrics) IncBatchFinished(status string) {
	if m == nil {
		return
	}
	m.batchesFinishedTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

// IncPublished counts a publish attempt towards stage. outcome is "ok" or "failed".
func (m *Metrics) IncPublished(stage string, outcome string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(normalizeLabel(stage), normalizeLabel(outcome)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
