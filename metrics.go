package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts sync outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sends           *prometheus.CounterVec
	sendFailures    prometheus.Counter
	reconciled      prometheus.Counter
	dropped         *prometheus.CounterVec
	pendingTimeouts prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Messages handed to a delivery path, by path.",
		}, []string{"path"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Sends rolled back after the fallback path failed.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconciled_total",
			Help:      "Provisional messages replaced by a confirmed message.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages not added to the cache, by reason.",
		}, []string{"reason"}),
		pendingTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pending_timeouts_total",
			Help:      "Provisional messages whose pending flag was cleared by timeout.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.sendFailures, m.reconciled, m.dropped, m.pendingTimeouts)
	}
	return m
}

func (m *Metrics) sent(path string) {
	if m != nil {
		m.sends.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) reconcile() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) pendingTimeout() {
	if m != nil {
		m.pendingTimeouts.Inc()
	}
}
