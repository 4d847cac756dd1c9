// Package metrics exposes Prometheus metrics for the dispatcher and HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector 指标收集器；nil Collector 上的方法均为空操作
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 分发指标
	dispatchTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	transportAttempts *prometheus.CounterVec
	keySelections     *prometheus.CounterVec
	tokensUsed        *prometheus.CounterVec
	probes            *prometheus.CounterVec

	// 状态指标
	breakerState *prometheus.GaugeVec
	poolKeys     prometheus.Gauge
}

// NewCollector 创建收集器并注册到新的 registry
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewCollectorWithRegistry(namespace, reg)
}

// NewCollectorWithRegistry 注册到指定 registry（测试用独立 registry）
func NewCollectorWithRegistry(namespace string, reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	c := &Collector{registry: reg}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.dispatchTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched prompt calls by final transport and outcome",
		},
		[]string{"transport", "outcome"},
	)
	c.dispatchDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"transport"},
	)
	c.transportAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_attempts_total",
			Help:      "Upstream send attempts by transport and result",
		},
		[]string{"transport", "result"},
	)
	c.keySelections = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_selections_total",
			Help:      "Credential selections by reason",
		},
		[]string{"reason"},
	)
	c.tokensUsed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Tokens consumed by model",
		},
		[]string{"model"},
	)
	c.probes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "availability_probes_total",
			Help:      "Upstream availability probes by result",
		},
		[]string{"result"},
	)
	c.breakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per transport (0 closed, 1 half-open, 2 open)",
		},
		[]string{"transport"},
	)
	c.poolKeys = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_keys",
			Help:      "Number of live credentials in the pool",
		},
	)

	return c
}

// Registry returns the registry backing /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch 记录一次分发结果
func (c *Collector) RecordDispatch(transport, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	if transport == "" {
		transport = "none"
	}
	c.dispatchTotal.WithLabelValues(transport, outcome).Inc()
	c.dispatchDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordAttempt 记录一次上游发送
func (c *Collector) RecordAttempt(transport string, ok bool) {
	if c == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	c.transportAttempts.WithLabelValues(transport, result).Inc()
}

// RecordSelection 记录 key 选择原因
func (c *Collector) RecordSelection(reason string) {
	if c == nil {
		return
	}
	c.keySelections.WithLabelValues(reason).Inc()
}

// RecordTokens 记录 token 消耗
func (c *Collector) RecordTokens(model string, tokens int) {
	if c == nil || tokens <= 0 {
		return
	}
	c.tokensUsed.WithLabelValues(model).Add(float64(tokens))
}

// RecordProbe 记录可用性探测
func (c *Collector) RecordProbe(available, cached bool) {
	if c == nil {
		return
	}
	result := "available"
	if !available {
		result = "unavailable"
	}
	if cached {
		result += "_cached"
	}
	c.probes.WithLabelValues(result).Inc()
}

// SetBreakerState 0 closed, 1 half-open, 2 open
func (c *Collector) SetBreakerState(transport string, state float64) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(transport).Set(state)
}

// SetPoolKeys 记录活动 key 数
func (c *Collector) SetPoolKeys(n int) {
	if c == nil {
		return
	}
	c.poolKeys.Set(float64(n))
}
