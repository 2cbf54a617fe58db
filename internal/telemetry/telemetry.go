// Package telemetry exports kvdash's own view of the monitored store as
// Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"kvdash/internal/models"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver so
// components can run without an exporter.
type Metrics struct {
	opsPerSec      prometheus.Gauge
	memoryUsed     prometheus.Gauge
	memoryFragRat  prometheus.Gauge
	hitRatio       prometheus.Gauge
	clients        prometheus.Gauge
	samples        prometheus.Counter
	sampleErrors   prometheus.Counter
	benchLatency   *prometheus.GaugeVec
	benchOps       prometheus.Gauge
	alertsRaised   *prometheus.CounterVec
	alertsDropped  prometheus.Counter
	scanKeys       prometheus.Histogram
	fetchFailures  prometheus.Counter
	sessionUp      prometheus.Gauge
	connectFailure *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_store_ops_per_second",
			Help: "Operations per second derived from total_commands_processed",
		}),
		memoryUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_store_memory_used_bytes",
			Help: "used_memory reported by the store at the last sample",
		}),
		memoryFragRat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_store_memory_fragmentation_ratio",
			Help: "mem_fragmentation_ratio reported by the store at the last sample",
		}),
		hitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_store_keyspace_hit_ratio_percent",
			Help: "Keyspace hits over hits+misses, in percent",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_store_connected_clients",
			Help: "connected_clients reported by the store",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdash_samples_total",
			Help: "Full metric samples recorded into history",
		}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdash_sample_errors_total",
			Help: "Failed sampling attempts (loop and on-demand)",
		}),
		benchLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kvdash_benchmark_latency_milliseconds",
			Help: "Ping latency of the last benchmark run",
		}, []string{"stat"}),
		benchOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_benchmark_throughput_ops",
			Help: "Sequential ping throughput of the last benchmark run",
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdash_system_alerts_total",
			Help: "System alerts raised, by severity",
		}, []string{"severity"}),
		alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdash_system_alerts_suppressed_total",
			Help: "Alerts dropped because the same title fired recently",
		}),
		scanKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvdash_scan_keys",
			Help:    "Unique keys returned per enumeration",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvdash_fetch_failures_total",
			Help: "Per-key value reads that failed during batched fetch",
		}),
		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvdash_session_up",
			Help: "1 while a store session is active",
		}),
		connectFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvdash_connect_failures_total",
			Help: "Failed connect attempts, by error kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.opsPerSec, m.memoryUsed, m.memoryFragRat, m.hitRatio, m.clients,
			m.samples, m.sampleErrors, m.benchLatency, m.benchOps,
			m.alertsRaised, m.alertsDropped, m.scanKeys, m.fetchFailures,
			m.sessionUp, m.connectFailure,
		)
	}
	return m
}

func (m *Metrics) SetOpsPerSec(v float64) {
	if m == nil {
		return
	}
	m.opsPerSec.Set(v)
}

func (m *Metrics) ObserveSample(s models.MetricsSample) {
	if m == nil {
		return
	}
	m.samples.Inc()
	m.memoryUsed.Set(float64(s.Memory.UsedBytes))
	m.memoryFragRat.Set(s.Memory.FragmentationRatio)
	m.hitRatio.Set(s.Keyspace.HitRatio)
	m.clients.Set(float64(s.Clients.Connected))
}

func (m *Metrics) SampleFailed() {
	if m == nil {
		return
	}
	m.sampleErrors.Inc()
}

func (m *Metrics) ObserveBenchmark(r models.BenchmarkResult) {
	if m == nil {
		return
	}
	for stat, v := range map[string]float64{
		"min": r.MinMs, "max": r.MaxMs, "mean": r.MeanMs,
		"p50": r.MedianMs, "p95": r.P95Ms, "p99": r.P99Ms,
	} {
		m.benchLatency.WithLabelValues(stat).Set(v)
	}
	m.benchOps.Set(r.Throughput)
}

func (m *Metrics) AlertRaised(sev models.Severity) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(string(sev)).Inc()
}

func (m *Metrics) AlertSuppressed() {
	if m == nil {
		return
	}
	m.alertsDropped.Inc()
}

func (m *Metrics) ObserveScan(uniqueKeys, failed int) {
	if m == nil {
		return
	}
	m.scanKeys.Observe(float64(uniqueKeys))
	m.fetchFailures.Add(float64(failed))
}

func (m *Metrics) SetSessionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.sessionUp.Set(1)
		return
	}
	m.sessionUp.Set(0)
	m.opsPerSec.Set(0)
}

func (m *Metrics) ConnectFailed(kind string) {
	if m == nil {
		return
	}
	m.connectFailure.WithLabelValues(kind).Inc()
}
