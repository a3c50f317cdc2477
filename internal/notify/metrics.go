package notify

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	ProcessedTotal *prometheus.CounterVec
	EmailsTotal    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "notify_processed_total", Help: "Processed events."},
			[]string{"event_type", "status"},
		),
		EmailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "notify_emails_total", Help: "Email send outcomes."},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.ProcessedTotal, m.EmailsTotal)
	return m
}

func (m *Metrics) processed(eventType, status string) {
	if m == nil {
		return
	}
	m.ProcessedTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) email(outcome string) {
	if m == nil {
		return
	}
	m.EmailsTotal.WithLabelValues(outcome).Inc()
}
