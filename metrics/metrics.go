package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the ingestion collectors. A nil *Metrics is valid and records nothing,
// so drivers can be built without a registry.
type Metrics struct {
	reg prometheus.Registerer

	EnvelopesPushed *prometheus.CounterVec
	Acks            *prometheus.CounterVec
	ParseFallbacks  *prometheus.CounterVec
	FieldsRedacted  *prometheus.CounterVec
	SourceErrors    *prometheus.CounterVec
	SourcesRunning  prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		EnvelopesPushed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eda_envelopes_pushed_total",
				Help: "Envelopes pushed to the ingestion queue",
			},
			[]string{"source"},
		),
		Acks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eda_acks_total",
				Help: "Remote acknowledgements issued after a successful push",
			},
			[]string{"source"},
		),
		ParseFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eda_parse_fallbacks_total",
				Help: "Payloads that failed to parse and were forwarded as raw strings",
			},
			[]string{"source"},
		),
		FieldsRedacted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eda_fields_redacted_total",
				Help: "Volatile fields stripped from log entries",
			},
			[]string{"source"},
		),
		SourceErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eda_source_errors_total",
				Help: "Terminal source errors by kind",
			},
			[]string{"source", "kind"},
		),
		SourcesRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "eda_sources_running",
				Help: "Sources currently running",
			},
		),
	}
}

// ObserveQueue exposes the queue depth reported by depth as eda_queue_depth.
func (m *Metrics) ObserveQueue(depth func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "eda_queue_depth",
			Help: "Envelopes waiting in the ingestion queue",
		},
		depth,
	)
}

func (m *Metrics) Pushed(source string) {
	if m == nil {
		return
	}
	m.EnvelopesPushed.WithLabelValues(source).Inc()
}

func (m *Metrics) Acked(source string) {
	if m == nil {
		return
	}
	m.Acks.WithLabelValues(source).Inc()
}

func (m *Metrics) ParseFallback(source string) {
	if m == nil {
		return
	}
	m.ParseFallbacks.WithLabelValues(source).Inc()
}

func (m *Metrics) Redacted(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FieldsRedacted.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) SourceError(source, kind string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) SourceStarted() {
	if m == nil {
		return
	}
	m.SourcesRunning.Inc()
}

func (m *Metrics) SourceStopped() {
	if m == nil {
		return
	}
	m.SourcesRunning.Dec()
}

// Handler serves g on /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	return mux
}
