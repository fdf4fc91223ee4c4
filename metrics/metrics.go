// Package metrics holds the prometheus collectors of one courier instance. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	envelopes           *prometheus.CounterVec
	decryptFailures     *prometheus.CounterVec
	placeholders        *prometheus.CounterVec
	contentDecoded      *prometheus.CounterVec
	jobs                *prometheus.CounterVec
	sendOutcomes        *prometheus.CounterVec
	pipeFrames          *prometheus.CounterVec
	pipeState           prometheus.Gauge
	holdingQueue        prometheus.Gauge
	processing          prometheus.Histogram
	circuitBreakerState *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_envelopes_total",
				Help: "Envelopes received by the receive pipeline (count)",
			},
			[]string{"type"},
		),
		decryptFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_decrypt_failures_total",
				Help: "Envelopes that failed to decrypt (count)",
			},
			[]string{"kind"},
		),
		placeholders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_placeholders_total",
				Help: "Placeholder records inserted for unreadable messages (count)",
			},
			[]string{"kind"},
		),
		contentDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_content_decoded_total",
				Help: "Decoded content by variant (count)",
			},
			[]string{"variant"},
		),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_jobs_total",
				Help: "Finished job runs by kind and result (count)",
			},
			[]string{"kind", "result"},
		),
		sendOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_send_outcomes_total",
				Help: "Per destination send outcomes (count)",
			},
			[]string{"outcome"},
		),
		pipeFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_pipe_frames_total",
				Help: "Frames moved over the message pipe (count)",
			},
			[]string{"direction", "type"},
		),
		pipeState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_pipe_state",
				Help: "Message pipe state (0=disconnected, 1=connecting, 2=connected) (state code)",
			},
		),
		holdingQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_holding_queue_depth",
				Help: "Envelopes waiting in the holding queue (count)",
			},
		),
		processing: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_envelope_processing_duration_ms",
				Help:    "Time spent processing one envelope in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
			},
		),
		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
			},
			[]string{"name"},
		),
	}
	for _, c := range []prometheus.Collector{
		m.envelopes,
		m.decryptFailures,
		m.placeholders,
		m.contentDecoded,
		m.jobs,
		m.sendOutcomes,
		m.pipeFrames,
		m.pipeState,
		m.holdingQueue,
		m.processing,
		m.circuitBreakerState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) EnvelopeReceived(envelopeType string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(envelopeType).Inc()
}

func (m *Metrics) DecryptFailed(kind string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) PlaceholderInserted(kind string) {
	if m == nil {
		return
	}
	m.placeholders.WithLabelValues(kind).Inc()
}

func (m *Metrics) ContentDecoded(variant string) {
	if m == nil {
		return
	}
	m.contentDecoded.WithLabelValues(variant).Inc()
}

func (m *Metrics) JobFinished(kind, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.sendOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PipeFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.pipeFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) SetPipeState(state int) {
	if m == nil {
		return
	}
	m.pipeState.Set(float64(state))
}

func (m *Metrics) SetHoldingQueueDepth(n int) {
	if m == nil {
		return
	}
	m.holdingQueue.Set(float64(n))
}

func (m *Metrics) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.processing.Observe(float64(d.Microseconds()) / 1000)
}

// SetCircuitBreakerState takes 0 for closed, 1 for half-open and 2 for open.
func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}
