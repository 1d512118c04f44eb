package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the webhook pipeline.
type PipelineMetrics struct {
	inboundTotal    *prometheus.CounterVec
	intentTotal     *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	pipelineLatency *prometheus.HistogramVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karol",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound WhatsApp webhooks",
		}, []string{"kind", "outcome"}),
		intentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karol",
			Subsystem: "webhook",
			Name:      "intent_total",
			Help:      "Classified intents of processed messages",
		}, []string{"intent"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "karol",
			Subsystem: "webhook",
			Name:      "dispatch_total",
			Help:      "Total outbound reply dispatches",
		}, []string{"channel", "status"}),
		pipelineLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "karol",
			Subsystem: "webhook",
			Name:      "pipeline_latency_seconds",
			Help:      "Latency of one full pipeline run",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.intentTotal, m.dispatchTotal, m.pipelineLatency)
	return m
}

func (m *PipelineMetrics) ObserveInbound(kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *PipelineMetrics) ObserveIntent(intent string) {
	if m == nil {
		return
	}
	m.intentTotal.WithLabelValues(intent).Inc()
}

func (m *PipelineMetrics) ObserveDispatch(channel, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(channel, status).Inc()
}

func (m *PipelineMetrics) ObservePipelineLatency(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.pipelineLatency.WithLabelValues(kind).Observe(seconds)
}
