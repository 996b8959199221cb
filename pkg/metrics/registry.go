// Package metrics exposes the agent's Prometheus metrics registry and
// the HTTP server that serves /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NavarchProject/gdnd/pkg/detection"
	"github.com/NavarchProject/gdnd/pkg/statemachine"
)

// Registry owns a dedicated prometheus.Registry (not the global default)
// and every metric the agent emits.
type Registry struct {
	Registry *prometheus.Registry

	GPUStatus          *prometheus.GaugeVec
	Temperature        *prometheus.GaugeVec
	Utilization        *prometheus.GaugeVec
	MemoryUsedBytes    *prometheus.GaugeVec
	CheckDuration      *prometheus.HistogramVec
	CheckFailuresTotal *prometheus.CounterVec
	IsolationActions   *prometheus.CounterVec
	GPUCount           prometheus.Gauge
}

// NewRegistry builds and registers every metric the agent reports.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		Registry: reg,
		GPUStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gdnd_gpu_status",
			Help: "Current health state of the device: 0=healthy 1=suspected 2=unhealthy 3=isolated.",
		}, []string{"gpu", "uuid", "name"}),
		Temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gdnd_gpu_temperature_celsius",
			Help: "Most recently observed device temperature.",
		}, []string{"gpu"}),
		Utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gdnd_gpu_utilization_percent",
			Help: "Most recently observed device compute utilization.",
		}, []string{"gpu"}),
		MemoryUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gdnd_gpu_memory_used_bytes",
			Help: "Most recently observed device memory usage in bytes.",
		}, []string{"gpu"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gdnd_check_duration_seconds",
			Help:    "Duration of a detection tier's check of one device.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"level", "gpu"}),
		CheckFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdnd_check_failures_total",
			Help: "Count of detection tier findings by reason.",
		}, []string{"level", "gpu", "reason"}),
		IsolationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gdnd_isolation_actions_total",
			Help: "Count of isolation actions executed, by action kind.",
		}, []string{"action"}),
		GPUCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gdnd_gpu_count",
			Help: "Number of devices currently tracked by the agent.",
		}),
	}

	reg.MustRegister(
		m.GPUStatus,
		m.Temperature,
		m.Utilization,
		m.MemoryUsedBytes,
		m.CheckDuration,
		m.CheckFailuresTotal,
		m.IsolationActions,
		m.GPUCount,
	)
	return m
}

// ObserveResult records a detection.Result's duration and, on failure,
// increments the per-finding failure counter.
func (m *Registry) ObserveResult(result detection.Result) {
	gpu := result.Device.String()
	m.CheckDuration.WithLabelValues(result.Level.String(), gpu).Observe(result.Duration.Seconds())
	for _, f := range result.Findings {
		m.CheckFailuresTotal.WithLabelValues(result.Level.String(), gpu, f.Type.String()).Inc()
	}
}

// SetStatus updates the gpu_status gauge for one device.
func (m *Registry) SetStatus(gpu, uuid, name string, state statemachine.State) {
	m.GPUStatus.WithLabelValues(gpu, uuid, name).Set(float64(state))
}

// SetTelemetry updates the temperature/utilization/memory gauges for one
// device from a fresh telemetry reading.
func (m *Registry) SetTelemetry(gpu string, temperatureC, utilizationPct int, memoryUsedBytes uint64) {
	m.Temperature.WithLabelValues(gpu).Set(float64(temperatureC))
	m.Utilization.WithLabelValues(gpu).Set(float64(utilizationPct))
	m.MemoryUsedBytes.WithLabelValues(gpu).Set(float64(memoryUsedBytes))
}

// RecordIsolationAction increments the isolation-actions counter for one
// executed action kind.
func (m *Registry) RecordIsolationAction(action string) {
	m.IsolationActions.WithLabelValues(action).Inc()
}

// SetGPUCount sets the total tracked device count.
func (m *Registry) SetGPUCount(n int) {
	m.GPUCount.Set(float64(n))
}
