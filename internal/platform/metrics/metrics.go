package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the watch party server.
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         prometheus.Counter
	errorsTotal           prometheus.Counter
	eventsTotal           *prometheus.CounterVec
	broadcastsTotal       prometheus.Counter
	droppedDeliveries     prometheus.Counter
	proxyRequestsTotal    *prometheus.CounterVec
	tokenRejectionsTotal  prometheus.Counter
	upstreamFailuresTotal prometheus.Counter
	activeParties         prometheus.Gauge
	connectedViewers      prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_events_total",
		Help: "Total number of viewer events handled, by event name",
	}, []string{"event"})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_broadcasts_total",
		Help: "Total number of room broadcasts emitted",
	})
	droppedDeliveries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_dropped_deliveries_total",
		Help: "Total number of per-viewer deliveries dropped because the send buffer was full",
	})
	proxyRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_proxy_requests_total",
		Help: "Total number of stream proxy requests, by kind (manifest or segment)",
	}, []string{"kind"})
	tokenRejectionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_token_rejections_total",
		Help: "Total number of stream requests rejected for invalid or expired tokens",
	})
	upstreamFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_upstream_failures_total",
		Help: "Total number of failed fetches from the media backend",
	})
	activeParties := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_active_parties",
		Help: "Number of parties currently registered",
	})
	connectedViewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_connected_viewers",
		Help: "Number of viewer connections currently attached",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		eventsTotal,
		broadcastsTotal,
		droppedDeliveries,
		proxyRequestsTotal,
		tokenRejectionsTotal,
		upstreamFailuresTotal,
		activeParties,
		connectedViewers,
	)

	return &Metrics{
		registry:              registry,
		requestsTotal:         requestsTotal,
		errorsTotal:           errorsTotal,
		eventsTotal:           eventsTotal,
		broadcastsTotal:       broadcastsTotal,
		droppedDeliveries:     droppedDeliveries,
		proxyRequestsTotal:    proxyRequestsTotal,
		tokenRejectionsTotal:  tokenRejectionsTotal,
		upstreamFailuresTotal: upstreamFailuresTotal,
		activeParties:         activeParties,
		connectedViewers:      connectedViewers,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP error counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncEvent increments the handled-event counter for the named viewer event.
func (m *Metrics) IncEvent(event string) {
	m.eventsTotal.WithLabelValues(event).Inc()
}

// IncBroadcasts increments the room broadcast counter.
func (m *Metrics) IncBroadcasts() {
	m.broadcastsTotal.Inc()
}

// IncDroppedDeliveries increments the dropped per-viewer delivery counter.
func (m *Metrics) IncDroppedDeliveries() {
	m.droppedDeliveries.Inc()
}

// IncProxyRequests increments the proxy request counter for the given kind.
func (m *Metrics) IncProxyRequests(kind string) {
	m.proxyRequestsTotal.WithLabelValues(kind).Inc()
}

// IncTokenRejections increments the rejected-token counter.
func (m *Metrics) IncTokenRejections() {
	m.tokenRejectionsTotal.Inc()
}

// IncUpstreamFailures increments the backend fetch failure counter.
func (m *Metrics) IncUpstreamFailures() {
	m.upstreamFailuresTotal.Inc()
}

// SetActiveParties sets the active parties gauge.
func (m *Metrics) SetActiveParties(n int) {
	m.activeParties.Set(float64(n))
}

// SetConnectedViewers sets the connected viewers gauge.
func (m *Metrics) SetConnectedViewers(n int) {
	m.connectedViewers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values
// (e.g. active parties, connected viewers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
