// Package metrics owns the Prometheus registry for the proxy: request
// volume, cache activity, upstream failure categories and request latency.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇聚代理侧的全部指标，注册在独立 Registry 上避免全局状态。
type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics 构建并注册全部指标。
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexstream_requests_total",
		Help: "Total requests by endpoint and status class",
	}, []string{"endpoint", "status_class"})

	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexstream_cache_events_total",
		Help: "Cache activity by result",
	}, []string{"result"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flexstream_upstream_errors_total",
		Help: "Upstream failures by category",
	}, []string{"category"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flexstream_request_duration_seconds",
		Help:    "Request handling duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	registry.MustRegister(requests, cacheEvents, upstreamErrors, requestDuration)

	return &Metrics{
		registry:        registry,
		requests:        requests,
		cacheEvents:     cacheEvents,
		upstreamErrors:  upstreamErrors,
		requestDuration: requestDuration,
	}
}

// ObserveRequest 记录一次请求的终态与耗时。
func (m *Metrics) ObserveRequest(endpoint string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// CacheEvent 记录 hit/miss/store/evict 等缓存事件。
func (m *Metrics) CacheEvent(result string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(result).Inc()
}

// UpstreamError 记录按类别划分的回源失败。
func (m *Metrics) UpstreamError(category string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(category).Inc()
}

// Handler 返回可挂载到 /metrics 的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
