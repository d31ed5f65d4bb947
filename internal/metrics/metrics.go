package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters labelled by chain. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	blocksProcessed    *prometheus.CounterVec
	eventsHandled      *prometheus.CounterVec
	handlerErrors      *prometheus.CounterVec
	catchUpEvents      *prometheus.CounterVec
	enrichmentFailures *prometheus.CounterVec
	reconnects         *prometheus.CounterVec
}

// New creates the counters and registers them with reg. A nil reg leaves
// them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chain_events",
			Name:      name,
			Help:      help,
		}, labels)
	}
	m := &Metrics{
		blocksProcessed:    counter("blocks_processed_total", "Raw blocks passed through a processor", "chain"),
		eventsHandled:      counter("events_handled_total", "Events dispatched to the handler chain", "chain", "kind"),
		handlerErrors:      counter("handler_errors_total", "Handler failures, one per aborted chain", "chain", "handler"),
		catchUpEvents:      counter("catchup_events_total", "Events recovered by catch-up", "chain"),
		enrichmentFailures: counter("enrichment_failures_total", "Events dropped because enrichment failed", "chain", "kind"),
		reconnects:         counter("reconnects_total", "Subscriptions re-established after a drop", "chain"),
	}
	if reg != nil {
		reg.MustRegister(
			m.blocksProcessed,
			m.eventsHandled,
			m.handlerErrors,
			m.catchUpEvents,
			m.enrichmentFailures,
			m.reconnects,
		)
	}
	return m
}

// BlockProcessed increments the blocks processed counter.
func (m *Metrics) BlockProcessed(chain string) {
	if m != nil {
		m.blocksProcessed.WithLabelValues(chain).Inc()
	}
}

// EventHandled increments the events handled counter.
func (m *Metrics) EventHandled(chain, kind string) {
	if m != nil {
		m.eventsHandled.WithLabelValues(chain, kind).Inc()
	}
}

// HandlerError increments the handler errors counter.
func (m *Metrics) HandlerError(chain, handler string) {
	if m != nil {
		m.handlerErrors.WithLabelValues(chain, handler).Inc()
	}
}

// CatchUpEvents adds n recovered events.
func (m *Metrics) CatchUpEvents(chain string, n int) {
	if m != nil && n > 0 {
		m.catchUpEvents.WithLabelValues(chain).Add(float64(n))
	}
}

// EnrichmentFailure increments the enrichment failures counter.
func (m *Metrics) EnrichmentFailure(chain, kind string) {
	if m != nil {
		m.enrichmentFailures.WithLabelValues(chain, kind).Inc()
	}
}

// Reconnect increments the reconnects counter.
func (m *Metrics) Reconnect(chain string) {
	if m != nil {
		m.reconnects.WithLabelValues(chain).Inc()
	}
}

// Handler returns an HTTP handler for the /metrics endpoint of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
