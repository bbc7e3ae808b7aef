package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds every collector the runtime reports to. Each engine owns
// its own registry so two engines in one process never collide and tests
// never trip duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	TokensTotal     prometheus.Counter
	StepDuration    prometheus.Summary
	ForwardDuration prometheus.Histogram

	KVCacheCapacityBytes prometheus.Gauge
	KVCacheUsedBytes     prometheus.Gauge
	PagesAllocated       prometheus.Counter
	PagesReused          prometheus.Counter

	NumericalInstability *prometheus.CounterVec
	ContextLength        prometheus.Histogram

	SpecAccepted   prometheus.Counter
	SpecRejected   prometheus.Counter
	AcceptanceRate prometheus.Gauge

	BatchSize         prometheus.Histogram
	RequestsSubmitted prometheus.Counter
	RequestsCompleted prometheus.Counter
	RequestsCancelled prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_tokens_total",
			Help: "The total number of tokens generated",
		}),
		StepDuration: factory.NewSummary(prometheus.SummaryOpts{
			Name: "bolt_step_duration_seconds",
			Help: "Duration of scheduler steps",
		}),
		ForwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bolt_forward_duration_seconds",
			Help:    "Histogram of single-token forward pass times",
			Buckets: prometheus.DefBuckets,
		}),

		KVCacheCapacityBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bolt_kv_cache_capacity_bytes",
			Help: "Total capacity of pooled KV cache pages in bytes",
		}),
		KVCacheUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bolt_kv_cache_used_bytes",
			Help: "Current bytes used across live KV caches",
		}),
		PagesAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_kv_pages_allocated_total",
			Help: "Total number of fresh KV pages allocated",
		}),
		PagesReused: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_kv_pages_reused_total",
			Help: "Total number of KV pages served from the free pool",
		}),

		NumericalInstability: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bolt_numerical_instability_total",
			Help: "Total number of NaN/Inf values detected",
		}, []string{"tensor", "type"}),
		ContextLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bolt_context_length_tokens",
			Help:    "Distribution of context lengths processed",
			Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),

		SpecAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_speculative_accepted_total",
			Help: "Total number of draft tokens accepted by verification",
		}),
		SpecRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_speculative_rejected_total",
			Help: "Total number of draft tokens rejected by verification",
		}),
		AcceptanceRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bolt_speculative_acceptance_rate",
			Help: "Running accepted/(accepted+rejected) ratio",
		}),

		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bolt_batch_size",
			Help:    "Active batch size observed per scheduler step",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		RequestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_requests_submitted_total",
			Help: "Total number of requests submitted to the batcher",
		}),
		RequestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_requests_completed_total",
			Help: "Total number of requests finished by the batcher",
		}),
		RequestsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bolt_requests_cancelled_total",
			Help: "Total number of requests cancelled before finishing",
		}),
	}
}

// Handler exposes the engine registry for a /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather returns the current metric families, used by tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

func (m *Metrics) RecordStep(batchSize int, duration time.Duration) {
	m.BatchSize.Observe(float64(batchSize))
	m.StepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTokens(n int) {
	m.TokensTotal.Add(float64(n))
}

func (m *Metrics) RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		m.NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		m.NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func (m *Metrics) RecordKVCacheStats(capacity, used int64) {
	m.KVCacheCapacityBytes.Set(float64(capacity))
	m.KVCacheUsedBytes.Set(float64(used))
}

func (m *Metrics) RecordSpeculative(accepted, rejected int64) {
	m.SpecAccepted.Add(float64(accepted))
	m.SpecRejected.Add(float64(rejected))
	total := accepted + rejected
	if total > 0 {
		m.AcceptanceRate.Set(float64(accepted) / float64(total))
	}
}
