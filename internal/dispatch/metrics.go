package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HandledTotal      *prometheus.CounterVec
	HandleDuration    *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec
	DeadLetteredTotal *prometheus.CounterVec
	ReclaimedTotal    *prometheus.CounterVec
	ReadErrorsTotal   *prometheus.CounterVec
	AckErrorsTotal    *prometheus.CounterVec
	LostTotal         *prometheus.CounterVec
	PendingEntries    *prometheus.GaugeVec
	GroupLag          *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_handled_total", Help: "Handler invocations by outcome."},
			[]string{"group", "event_type", "status"},
		),
		HandleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "dispatch_handle_duration_seconds", Help: "Handler invocation latency.", Buckets: prometheus.DefBuckets},
			[]string{"group", "event_type"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_retries_total", Help: "Handler retries after a failure."},
			[]string{"group", "event_type"},
		),
		DeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_dead_lettered_total", Help: "Entries moved to the dead-letter stream."},
			[]string{"group", "reason"},
		),
		ReclaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_reclaimed_total", Help: "Stale pending entries claimed by the sweeper."},
			[]string{"group"},
		),
		ReadErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_read_errors_total", Help: "Failed stream reads or claims."},
			[]string{"group"},
		),
		AckErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_ack_errors_total", Help: "Failed acknowledgements."},
			[]string{"group"},
		),
		LostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatch_entries_lost_total", Help: "Deliveries dropped because another consumer claimed the entry."},
			[]string{"group"},
		),
		PendingEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dispatch_pending_entries", Help: "Entries delivered but not acknowledged."},
			[]string{"stream", "group"},
		),
		GroupLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dispatch_group_lag", Help: "Entries not yet delivered to the group."},
			[]string{"stream", "group"},
		),
	}
	reg.MustRegister(
		m.HandledTotal, m.HandleDuration, m.RetriesTotal, m.DeadLetteredTotal,
		m.ReclaimedTotal, m.ReadErrorsTotal, m.AckErrorsTotal, m.LostTotal, m.PendingEntries, m.GroupLag,
	)
	return m
}

func (m *Metrics) handled(group, eventType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandledTotal.WithLabelValues(group, eventType, status).Inc()
	m.HandleDuration.WithLabelValues(group, eventType).Observe(d.Seconds())
}

func (m *Metrics) retried(group, eventType string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(group, eventType).Inc()
}

func (m *Metrics) deadLettered(group, reason string) {
	if m == nil {
		return
	}
	m.DeadLetteredTotal.WithLabelValues(group, reason).Inc()
}

func (m *Metrics) reclaimed(group string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReclaimedTotal.WithLabelValues(group).Add(float64(n))
}

func (m *Metrics) readFailed(group string) {
	if m == nil {
		return
	}
	m.ReadErrorsTotal.WithLabelValues(group).Inc()
}

func (m *Metrics) ackFailed(group string) {
	if m == nil {
		return
	}
	m.AckErrorsTotal.WithLabelValues(group).Inc()
}

func (m *Metrics) lost(group string) {
	if m == nil {
		return
	}
	m.LostTotal.WithLabelValues(group).Inc()
}

func (m *Metrics) observeGroup(stream, group string, pending, lag int64) {
	if m == nil {
		return
	}
	m.PendingEntries.WithLabelValues(stream, group).Set(float64(pending))
	m.GroupLag.WithLabelValues(stream, group).Set(float64(lag))
}
