// Package nodeagent Prometheus 指标导出
package nodeagent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 节点代理指标
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	PullsTotal      *prometheus.CounterVec
	HeartbeatsTotal *prometheus.CounterVec
	BufferDepth     prometheus.Gauge
	DevicesVisible  prometheus.Gauge
}

// NewMetrics 创建指标实例
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Executed jobs by command kind and outcome",
			},
			[]string{"kind", "status"},
		),
		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		PullsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pulls_total",
				Help:      "Pull requests by outcome",
			},
			[]string{"outcome"},
		),
		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeat attempts by outcome",
			},
			[]string{"outcome"},
		),
		BufferDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "callback_buffer_depth",
				Help:      "Pending callback events in the local buffer",
			},
		),
		DevicesVisible: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_visible",
				Help:      "Devices currently visible to adb",
			},
		),
	}
}

// RecordJob 记录一次任务执行
func (m *Metrics) RecordJob(kind, status string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(kind, status).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPull 记录一次拉取
func (m *Metrics) RecordPull(outcome string) {
	m.PullsTotal.WithLabelValues(outcome).Inc()
}

// RecordHeartbeat 记录一次心跳
func (m *Metrics) RecordHeartbeat(outcome string) {
	m.HeartbeatsTotal.WithLabelValues(outcome).Inc()
}
