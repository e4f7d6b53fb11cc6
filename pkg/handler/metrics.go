package handler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the per-connection counters the control plane's /metrics
// endpoint exposes. A nil *Metrics is safe to use: every method is a no-op
// on a nil receiver. A non-nil Metrics must come from NewMetrics, which
// creates every field; callers that don't care about metrics can pass
// NewMetrics(prometheus.NewRegistry()) into a registry nobody scrapes.
type Metrics struct {
	connectionsTotal *prometheus.CounterVec
	relayBytesTotal  *prometheus.CounterVec
	dialErrorsTotal  prometheus.Counter
}

// NewMetrics registers the handler's counters against reg and returns a
// Metrics ready to pass to Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portproxy_connections_total",
			Help: "Accepted client connections by outcome.",
		}, []string{"result"}),
		relayBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portproxy_relay_bytes_total",
			Help: "Bytes relayed between client and upstream.",
		}, []string{"direction"}),
		dialErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portproxy_dial_errors_total",
			Help: "Failed upstream dial attempts.",
		}),
	}
	reg.MustRegister(m.connectionsTotal, m.relayBytesTotal, m.dialErrorsTotal)
	return m
}

func (m *Metrics) connection(result string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) relayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.relayBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) dialError() {
	if m == nil {
		return
	}
	m.dialErrorsTotal.Inc()
}
