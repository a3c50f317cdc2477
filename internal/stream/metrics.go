package stream

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	PublishedTotal     *prometheus.CounterVec
	PublishErrorsTotal *prometheus.CounterVec
	MirrorErrorsTotal  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "stream_published_total", Help: "Envelopes appended to a stream."},
			[]string{"stream", "event_type"},
		),
		PublishErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "stream_publish_errors_total", Help: "Failed stream appends."},
			[]string{"stream"},
		),
		MirrorErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "stream_mirror_errors_total", Help: "Failed mirror writes."},
		),
	}
	reg.MustRegister(m.PublishedTotal, m.PublishErrorsTotal, m.MirrorErrorsTotal)
	return m
}

func (m *Metrics) published(stream, eventType string) {
	if m == nil {
		return
	}
	m.PublishedTotal.WithLabelValues(stream, eventType).Inc()
}

func (m *Metrics) publishFailed(stream string) {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.WithLabelValues(stream).Inc()
}

func (m *Metrics) mirrorFailed() {
	if m == nil {
		return
	}
	m.MirrorErrorsTotal.Inc()
}
