package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swapd"

// Registry 汇总兑换引擎的 Prometheus 指标。nil 接收者上的调用均为空操作。
type Registry struct {
	registry *prometheus.Registry

	quoteRequests  *prometheus.CounterVec
	quoteLatency   prometheus.Histogram
	staleDiscarded *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	balanceFetches *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// New 创建独立的指标注册表，并注册 Go 运行时采集器。
func New() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),
		quoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "requests_total",
			Help:      "Quote requests by result",
		}, []string{"result"}),
		quoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "latency_seconds",
			Help:      "Quote request latency including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		staleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "stale_results_discarded_total",
			Help:      "Async results dropped because a newer intent superseded them",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "State transitions by target status",
		}, []string{"status"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "transactions_total",
			Help:      "Submitted transactions by kind and status",
		}, []string{"kind", "status"}),
		balanceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "fetches_total",
			Help:      "Balance reads by source",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by handler, method and status code",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		m.quoteRequests,
		m.quoteLatency,
		m.staleDiscarded,
		m.transitions,
		m.transactions,
		m.balanceFetches,
		m.httpRequests,
		m.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer 暴露底层注册表，便于测试。
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveQuote 记录一次报价请求。
func (m *Registry) ObserveQuote(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.quoteRequests.WithLabelValues(result).Inc()
	m.quoteLatency.Observe(d.Seconds())
}

// ObserveStaleDiscarded 记录被丢弃的过期结果。
func (m *Registry) ObserveStaleDiscarded(kind string) {
	if m == nil {
		return
	}
	m.staleDiscarded.WithLabelValues(kind).Inc()
}

// ObserveTransition 记录状态迁移。
func (m *Registry) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// ObserveTransaction 记录交易提交结果。
func (m *Registry) ObserveTransaction(kind, status string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, status).Inc()
}

// ObserveBalanceFetch 记录余额读取来源。
func (m *Registry) ObserveBalanceFetch(source string) {
	if m == nil {
		return
	}
	m.balanceFetches.WithLabelValues(source).Inc()
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}
