package outbox

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PollsTotal         prometheus.Counter
	ClaimedTotal       prometheus.Counter
	PublishedTotal     *prometheus.CounterVec
	FailedTotal        *prometheus.CounterVec
	ClaimErrorsTotal   prometheus.Counter
	MarkErrorsTotal    prometheus.Counter
	RequeuedTotal      prometheus.Counter
	RequeueErrorsTotal prometheus.Counter
	LagSeconds         prometheus.Gauge
	Records            *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_polls_total",
			Help: "Total number of outbox polling ticks.",
		}),
		ClaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_claimed_total",
			Help: "Total number of claimed outbox rows.",
		}),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Published outbox events."},
			[]string{"event_type"},
		),
		FailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Failed outbox publish attempts."},
			[]string{"event_type"},
		),
		ClaimErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_claim_errors_total",
			Help: "Total number of claim errors.",
		}),
		MarkErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_mark_errors_total",
			Help: "Total number of errors while updating outbox rows.",
		}),
		RequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_requeued_total",
			Help: "Total number of stuck outbox rows requeued back to pending.",
		}),
		RequeueErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_requeue_errors_total",
			Help: "Total number of requeue errors.",
		}),
		LagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_lag_seconds",
			Help: "Lag in seconds for oldest pending outbox event.",
		}),
		Records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_records",
			Help: "Outbox rows by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.PollsTotal,
		m.ClaimedTotal,
		m.PublishedTotal,
		m.FailedTotal,
		m.ClaimErrorsTotal,
		m.MarkErrorsTotal,
		m.RequeuedTotal,
		m.RequeueErrorsTotal,
		m.LagSeconds,
		m.Records,
	)
	return m
}
