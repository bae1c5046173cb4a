package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics for the hwtest core: stream
// throughput, monitor verdicts, rack lifecycle, and bus health.
type Metrics struct {
	// Stream metrics
	SchemasPublished *prometheus.CounterVec
	SamplesPublished *prometheus.CounterVec
	SamplesReceived  *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	SequenceGaps     *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec

	// Monitor metrics
	Verdicts           *prometheus.CounterVec
	Violations         *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec

	// Rack metrics
	InstrumentState *prometheus.GaugeVec
	RackReady       *prometheus.GaugeVec

	// Bus metrics
	BusConnected      prometheus.Gauge
	BusReconnects     prometheus.Counter
	BusCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SchemasPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "schemas_published_total",
				Help:      "Total number of schema broadcasts",
			},
			[]string{"source"},
		),

		SamplesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "samples_published_total",
				Help:      "Total number of samples published",
			},
			[]string{"source"},
		),

		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "samples_received_total",
				Help:      "Total number of samples received",
			},
			[]string{"source"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "messages_dropped_total",
				Help:      "Messages dropped by reason (no_schema, schema_mismatch, decode_error, queue_full)",
			},
			[]string{"source", "reason"},
		),

		SequenceGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "sequence_gaps_total",
				Help:      "Detected gaps in per-source sequence numbers",
			},
			[]string{"source"},
		),

		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "stream",
				Name:      "publish_failures_total",
				Help:      "Publish attempts that failed after local retries",
			},
			[]string{"source"},
		),

		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "monitor",
				Name:      "verdicts_total",
				Help:      "Monitor evaluation verdicts by outcome",
			},
			[]string{"monitor", "verdict"},
		),

		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "monitor",
				Name:      "violations_total",
				Help:      "Threshold violations by channel",
			},
			[]string{"monitor", "channel"},
		),

		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hwtest",
				Subsystem: "monitor",
				Name:      "evaluation_duration_seconds",
				Help:      "Batch evaluation duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.000005, 4, 10),
			},
			[]string{"monitor"},
		),

		InstrumentState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hwtest",
				Subsystem: "rack",
				Name:      "instrument_state",
				Help:      "Instrument lifecycle state (0=pending, 1=initializing, 2=ready, 3=error, 4=closed)",
			},
			[]string{"rack", "instrument"},
		),

		RackReady: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hwtest",
				Subsystem: "rack",
				Name:      "ready",
				Help:      "Rack aggregate health (1=all instruments ready)",
			},
			[]string{"rack"},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hwtest",
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Message bus connection status (0=disconnected, 1=connected)",
			},
		),

		BusReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "hwtest",
				Subsystem: "bus",
				Name:      "reconnects_total",
				Help:      "Total number of message bus reconnections",
			},
		),

		BusCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hwtest",
				Subsystem: "bus",
				Name:      "circuit_breaker",
				Help:      "Message bus circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SchemasPublished,
		m.SamplesPublished,
		m.SamplesReceived,
		m.MessagesDropped,
		m.SequenceGaps,
		m.PublishFailures,
		m.Verdicts,
		m.Violations,
		m.EvaluationDuration,
		m.InstrumentState,
		m.RackReady,
		m.BusConnected,
		m.BusReconnects,
		m.BusCircuitBreaker,
	}
}
