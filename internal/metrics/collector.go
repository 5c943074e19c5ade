// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。所有 Record 方法对 nil 接收者安全.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 升级决策与运行
	decisionsTotal *prometheus.CounterVec
	runsStarted    prometheus.Counter
	runsEnded      *prometheus.CounterVec
	runsActive     prometheus.Gauge

	// 接管请求
	handoffsCreated  *prometheus.CounterVec
	handoffsResolved *prometheus.CounterVec
	handoffWait      *prometheus.HistogramVec
	handoffsWaiting  prometheus.Gauge

	// 会话与推流
	sessionsOpened   prometheus.Counter
	sessionsClosed   *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionLifetime  prometheus.Histogram
	operatorAttached *prometheus.CounterVec
	framesTotal      *prometheus.CounterVec
	operatorEvents   *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器；指标注册到默认 Registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 升级决策与运行
	c.decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_decisions_total",
			Help:      "Total number of escalation decisions",
		},
		[]string{"kind", "classification"},
	)

	c.runsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of automation runs started",
		},
	)

	c.runsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_ended_total",
			Help:      "Total number of automation runs ended",
		},
		[]string{"outcome"},
	)

	c.runsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of automation runs in progress",
		},
	)

	// 接管请求
	c.handoffsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_requests_created_total",
			Help:      "Total number of handoff requests created",
		},
		[]string{"urgency"},
	)

	c.handoffsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_requests_resolved_total",
			Help:      "Total number of handoff requests reaching a terminal status",
		},
		[]string{"status", "urgency"},
	)

	c.handoffWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_wait_seconds",
			Help:      "Time from handoff request creation to resolution",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"status", "urgency"},
	)

	c.handoffsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoff_requests_waiting",
			Help:      "Number of handoff requests waiting for a human",
		},
	)

	// 会话与推流
	c.sessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_sessions_opened_total",
			Help:      "Total number of handoff sessions opened",
		},
	)

	c.sessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_sessions_closed_total",
			Help:      "Total number of handoff sessions closed",
		},
		[]string{"resolution"},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoff_sessions_active",
			Help:      "Number of open handoff sessions",
		},
	)

	c.sessionLifetime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_session_lifetime_seconds",
			Help:      "Handoff session lifetime in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800},
		},
	)

	c.operatorAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_attachments_total",
			Help:      "Total number of operator attachments",
		},
		[]string{"replaced"},
	)

	c.framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total number of stream frame ticks by outcome",
		},
		[]string{"outcome"},
	)

	c.operatorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_events_total",
			Help:      "Total number of operator input events",
		},
		[]string{"type", "status"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧭 升级与运行
// =============================================================================

// RecordDecision 记录一次升级决策
func (c *Collector) RecordDecision(kind, classification string) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(kind, classification).Inc()
}

func (c *Collector) RecordRunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
	c.runsActive.Inc()
}

func (c *Collector) RecordRunEnded(outcome string) {
	if c == nil {
		return
	}
	c.runsEnded.WithLabelValues(outcome).Inc()
	c.runsActive.Dec()
}

// =============================================================================
// 🙋 接管请求
// =============================================================================

// RecordHandoffCreated 记录新建的接管请求
func (c *Collector) RecordHandoffCreated(urgency string) {
	if c == nil {
		return
	}
	c.handoffsCreated.WithLabelValues(urgency).Inc()
	c.handoffsWaiting.Inc()
}

// RecordHandoffResolved 记录请求进入终态及等待时长
func (c *Collector) RecordHandoffResolved(status, urgency string, wait time.Duration) {
	if c == nil {
		return
	}
	c.handoffsResolved.WithLabelValues(status, urgency).Inc()
	c.handoffWait.WithLabelValues(status, urgency).Observe(wait.Seconds())
	c.handoffsWaiting.Dec()
}

// =============================================================================
// 🖥️ 会话与推流
// =============================================================================

func (c *Collector) RecordSessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) RecordSessionClosed(resolution string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.sessionsClosed.WithLabelValues(resolution).Inc()
	c.sessionsActive.Dec()
	c.sessionLifetime.Observe(lifetime.Seconds())
}

func (c *Collector) RecordOperatorAttached(replaced bool) {
	if c == nil {
		return
	}
	c.operatorAttached.WithLabelValues(strconv.FormatBool(replaced)).Inc()
}

// RecordFrame 记录一次推帧结果（pushed / dropped / capture_failed）
func (c *Collector) RecordFrame(outcome string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordOperatorEvent(eventType string, failed bool) {
	if c == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	c.operatorEvents.WithLabelValues(eventType, status).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
