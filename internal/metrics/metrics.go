// Package metrics Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roluatm"

// Metrics 终端指标集合
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	coinsDispensed  prometheus.Counter
	hardwareStatus  prometheus.Gauge
	cloudStatus     prometheus.Gauge
	lastCloudCheck  prometheus.Gauge
	attempts        *prometheus.CounterVec
	pendingSettle   prometheus.Gauge
}

// New 创建并注册指标；每个实例使用独立的 registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 2.5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),
		coinsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coins_dispensed_total",
			Help:      "Total coins dispensed",
		}),
		hardwareStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hardware_status",
			Help:      "Hardware status (1=ok, 0=error)",
		}),
		cloudStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cloud_status",
			Help:      "Cloud connectivity (1=online, 0=offline)",
		}),
		lastCloudCheck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cloud_check_timestamp",
			Help:      "Last successful cloud check",
		}),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispense_attempts_total",
				Help:      "Dispense attempts by result",
			},
			[]string{"result"},
		),
		pendingSettle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "settlements_pending",
			Help:      "Confirmations waiting in the outbox",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.coinsDispensed,
		m.hardwareStatus,
		m.cloudStatus,
		m.lastCloudCheck,
		m.attempts,
		m.pendingSettle,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回内部 registry（测试用）
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest 记录一次 HTTP 请求
func (m *Metrics) ObserveRequest(endpoint, method, status string, d time.Duration) {
	m.requests.WithLabelValues(endpoint, method, status).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AddCoinsDispensed 累计出币数
func (m *Metrics) AddCoinsDispensed(n int) {
	if n > 0 {
		m.coinsDispensed.Add(float64(n))
	}
}

// SetHardwareStatus 设置硬件状态
func (m *Metrics) SetHardwareStatus(ok bool) {
	m.hardwareStatus.Set(boolValue(ok))
}

// SetCloudStatus 设置云端连通状态；在线时刷新检查时间
func (m *Metrics) SetCloudStatus(online bool, at time.Time) {
	m.cloudStatus.Set(boolValue(online))
	if online {
		m.lastCloudCheck.Set(float64(at.Unix()))
	}
}

// ObserveAttempt 记录一次出币尝试结果
func (m *Metrics) ObserveAttempt(result string) {
	m.attempts.WithLabelValues(result).Inc()
}

// SetPendingSettlements 待结算数量
func (m *Metrics) SetPendingSettlements(n int64) {
	m.pendingSettle.Set(float64(n))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
