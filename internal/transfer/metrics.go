package transfer

import "github.com/prometheus/client_golang/prometheus"

// Upload outcomes, used as the "outcome" label.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeSkipped   = "skipped"
)

// Metrics are the Prometheus collectors updated by a Manager. A nil *Metrics
// disables instrumentation.
type Metrics struct {
	Uploads  *prometheus.CounterVec
	Bytes    prometheus.Counter
	Resumes  prometheus.Counter
	Retries  prometheus.Counter
	InFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rashberry",
			Name:      "uploads_total",
			Help:      "Uploads finished, by outcome.",
		}, []string{"outcome"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rashberry",
			Name:      "upload_bytes_total",
			Help:      "Bytes acknowledged by the upload server.",
		}),
		Resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rashberry",
			Name:      "upload_resumes_total",
			Help:      "Uploads continued from an existing server session.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rashberry",
			Name:      "upload_retries_total",
			Help:      "Resume attempts made after a failed chunk.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rashberry",
			Name:      "uploads_in_flight",
			Help:      "Uploads currently transmitting.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Uploads, m.Bytes, m.Resumes, m.Retries, m.InFlight)
	}

	return m
}

func (m *Metrics) outcome(o string) {
	if m != nil {
		m.Uploads.WithLabelValues(o).Inc()
	}
}

func (m *Metrics) addBytes(n int64) {
	if m != nil && n > 0 {
		m.Bytes.Add(float64(n))
	}
}

func (m *Metrics) resumed() {
	if m != nil {
		m.Resumes.Inc()
	}
}

func (m *Metrics) retried() {
	if m != nil {
		m.Retries.Inc()
	}
}

func (m *Metrics) inFlight(delta float64) {
	if m != nil {
		m.InFlight.Add(delta)
	}
}
