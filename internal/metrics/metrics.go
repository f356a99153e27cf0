// Package metrics 探索运行的 Prometheus 指标
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
)

// Metrics 指标收集器。每个实例使用独立的 Registry，测试之间互不影响。
type Metrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal      *prometheus.CounterVec
	runsInProgress prometheus.Gauge
	runDuration    *prometheus.HistogramVec

	// 采集指标
	capturesTotal *prometheus.CounterVec
	captureBytes  prometheus.Histogram
	failuresTotal *prometheus.CounterVec
	crashesTotal  prometheus.Counter
	visitedTotal  prometheus.Counter

	// 会话重试
	retryAttemptsTotal *prometheus.CounterVec
}

// New 创建指标收集器
func New(logger *logrus.Logger, namespace string) *Metrics {
	if namespace == "" {
		namespace = "explorer"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of exploration runs by final status",
			},
			[]string{"status"},
		),
		runsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_progress",
				Help:      "Number of exploration runs in progress",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Exploration run duration in seconds",
				Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"status"},
		),

		capturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captures_total",
				Help:      "Total number of UI tree snapshots written",
			},
			[]string{"kind"}, // screen, popup, diagnostic
		),
		captureBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "capture_size_bytes",
				Help:      "Size of written UI tree snapshots",
				Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
			},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destination_failures_total",
				Help:      "Total number of destinations that failed, by failure type",
			},
			[]string{"type"},
		),
		crashesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_crashes_total",
				Help:      "Total number of automation driver crashes recovered",
			},
		),
		visitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "destinations_visited_total",
				Help:      "Total number of destinations visited",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return m
}

// Registry 底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler /metrics
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunStarted 记录运行开始
func (m *Metrics) RecordRunStarted() {
	m.runsInProgress.Inc()
}

// RecordRunFinished 记录运行结束
func (m *Metrics) RecordRunFinished(status domain.RunStatus, duration time.Duration) {
	m.runsTotal.WithLabelValues(string(status)).Inc()
	m.runsInProgress.Dec()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordCapture 记录一次写入
func (m *Metrics) RecordCapture(a *domain.CaptureArtifact) {
	m.capturesTotal.WithLabelValues(CaptureKind(a)).Inc()
	m.captureBytes.Observe(float64(a.Size))
}

// CaptureKind 写入类别
func CaptureKind(a *domain.CaptureArtifact) string {
	switch {
	case a.Failure:
		return "diagnostic"
	case strings.HasPrefix(a.ScreenName, "popup_"):
		return "popup"
	default:
		return "screen"
	}
}

// RecordFailure 记录目的地失败
func (m *Metrics) RecordFailure(ft domain.FailureType) {
	if ft == domain.FailureTypeNone {
		return
	}
	m.failuresTotal.WithLabelValues(string(ft)).Inc()
}

// RecordCrashes 记录已恢复的驱动崩溃
func (m *Metrics) RecordCrashes(n int) {
	m.crashesTotal.Add(float64(n))
}

// RecordVisited 记录访问的目的地数量
func (m *Metrics) RecordVisited(n int) {
	m.visitedTotal.Add(float64(n))
}

// RecordRetryAttempt 记录重试尝试
func (m *Metrics) RecordRetryAttempt(operation string, attempt int) {
	m.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

// WriteTextfile 写入 node_exporter textfile 格式
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
