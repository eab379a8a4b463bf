package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors shared by the cache, quota
// tracker and governor. Collectors are created unregistered so tests can
// instantiate freely; Register attaches them to a registerer once.
type Metrics struct {
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	QuotaUtilization *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	FallbackSteps    *prometheus.CounterVec
	EmergencyMode    prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
}

// New creates the collector set.
func New() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoclaude_cache_hits_total",
				Help: "Cache hits by data type",
			},
			[]string{"data_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoclaude_cache_misses_total",
				Help: "Cache misses by data type",
			},
			[]string{"data_type"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoclaude_provider_calls_total",
				Help: "Outbound provider calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		ProviderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptoclaude_provider_latency_seconds",
				Help:    "Latency of provider calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"provider"},
		),
		QuotaUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptoclaude_quota_daily_utilization",
				Help: "Daily quota utilization per provider (0.0 to 1.0)",
			},
			[]string{"provider"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptoclaude_governor_queue_depth",
				Help: "Requests waiting in governor queues",
			},
		),
		FallbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoclaude_fallback_steps_total",
				Help: "Degradation steps executed by step kind and outcome",
			},
			[]string{"step", "outcome"},
		),
		EmergencyMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptoclaude_emergency_mode",
				Help: "1 while emergency mode is active",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptoclaude_requests_total",
				Help: "Terminal request outcomes by source or error kind",
			},
			[]string{"outcome"},
		),
	}
}

// Register attaches all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CacheHits, m.CacheMisses, m.ProviderCalls, m.ProviderLatency,
		m.QuotaUtilization, m.QueueDepth, m.FallbackSteps, m.EmergencyMode,
		m.RequestsTotal,
	)
}
