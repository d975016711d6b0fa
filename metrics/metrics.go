package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client's prometheus collectors. A nil *Metrics is valid
// and turns every increment into a no-op, so hosts that do not scrape can
// pass nothing.
type Metrics struct {
	reconnects        prometheus.Counter
	duplicatesDropped prometheus.Counter
	eventsApplied     prometheus.Counter
	fallbackSends     prometheus.Counter
	sendFailures      prometheus.Counter
}

// New creates the collector set. When reg is non-nil the collectors are
// registered on it.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_reconnects_total",
			Help: "Number of successful transport reconnections.",
		}),
		duplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_duplicates_dropped_total",
			Help: "Inbound events rejected by the dedup store.",
		}),
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_events_applied_total",
			Help: "Inbound events applied to a subject log.",
		}),
		fallbackSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_fallback_sends_total",
			Help: "Outbound sends delivered via the REST fallback path.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_send_failures_total",
			Help: "Outbound sends that failed on both paths.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.duplicatesDropped, m.eventsApplied, m.fallbackSends, m.sendFailures)
	}
	return m
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) DuplicateDropped() {
	if m != nil {
		m.duplicatesDropped.Inc()
	}
}

func (m *Metrics) EventApplied() {
	if m != nil {
		m.eventsApplied.Inc()
	}
}

func (m *Metrics) FallbackSend() {
	if m != nil {
		m.fallbackSends.Inc()
	}
}

func (m *Metrics) SendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
